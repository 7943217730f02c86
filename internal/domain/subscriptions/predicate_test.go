package subscriptions_test

import (
	"testing"
	"time"

	"telegram-keyword-bot/internal/domain/subscriptions"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func textEvent(text string) subscriptions.MessageEvent {
	return subscriptions.MessageEvent{
		Text:      text,
		ChatID:    -100,
		ChatKind:  subscriptions.ChatGroup,
		SenderID:  42,
		Content:   subscriptions.ContentText,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPredicateMatch(t *testing.T) {
	t.Parallel()

	noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		pred subscriptions.Predicate
		ev   subscriptions.MessageEvent
		now  time.Time
		want bool
	}{
		{
			name: "keywordSubstringMatches",
			pred: subscriptions.Predicate{Kind: subscriptions.KindKeyword, Pattern: "sale"},
			ev:   textEvent("flash sale now"),
			now:  noon,
			want: true,
		},
		{
			name: "keywordAbsent",
			pred: subscriptions.Predicate{Kind: subscriptions.KindKeyword, Pattern: "sale"},
			ev:   textEvent("nothing to see here"),
			now:  noon,
			want: false,
		},
		{
			name: "regexMatches",
			pred: subscriptions.Predicate{Kind: subscriptions.KindRegex, Pattern: `(?i)s[aа]le`},
			ev:   textEvent("big SALE today"),
			now:  noon,
			want: true,
		},
		{
			name: "regexNoOccurrence",
			pred: subscriptions.Predicate{Kind: subscriptions.KindRegex, Pattern: `^sale$`},
			ev:   textEvent("flash sale now"),
			now:  noon,
			want: false,
		},
		{
			name: "minLengthRejectsShortText",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "sale",
				MinLength: intPtr(5),
			},
			ev:   textEvent("sale"),
			now:  noon,
			want: false,
		},
		{
			name: "minLengthAcceptsLongText",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "sale",
				MinLength: intPtr(5),
			},
			ev:   textEvent("flash sale now"),
			now:  noon,
			want: true,
		},
		{
			name: "maxLengthRejectsLongText",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "sale",
				MaxLength: intPtr(10),
			},
			ev:   textEvent("flash sale now"),
			now:  noon,
			want: false,
		},
		{
			name: "excludeTermRejects",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "sale",
				ExcludeTerms: []string{"scam"},
			},
			ev:   textEvent("sale scam alert"),
			now:  noon,
			want: false,
		},
		{
			name: "messageTypeMismatch",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "sale",
				MessageTypes: []string{"photo", "video"},
			},
			ev:   textEvent("flash sale now"),
			now:  noon,
			want: false,
		},
		{
			name: "senderRoleMatches",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "sale",
				SenderRoles: []string{"user"},
			},
			ev:   textEvent("flash sale now"),
			now:  noon,
			want: true,
		},
		{
			name: "chatAllowSetRejectsForeignChat",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "sale",
				ChatIDs: []int64{-200},
			},
			ev:   textEvent("flash sale now"),
			now:  noon,
			want: false,
		},
		{
			name: "timeWindowInside",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "sale",
				TimeWindow: "09:00-18:00",
			},
			ev:   textEvent("flash sale now"),
			now:  noon,
			want: true,
		},
		{
			name: "timeWindowOutside",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "sale",
				TimeWindow: "09:00-11:00",
			},
			ev:   textEvent("flash sale now"),
			now:  noon,
			want: false,
		},
		{
			name: "forwardedRejectedWhenDisallowed",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "sale",
				AllowForwarded: boolPtr(false),
			},
			ev: func() subscriptions.MessageEvent {
				ev := textEvent("flash sale now")
				ev.Forwarded = true
				return ev
			}(),
			now:  noon,
			want: false,
		},
		{
			name: "captionOnlyRejectedWhenDisallowed",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "sale",
				CheckMediaCaption: boolPtr(false),
			},
			ev: func() subscriptions.MessageEvent {
				ev := textEvent("flash sale now")
				ev.CaptionOnly = true
				ev.Content = subscriptions.ContentPhoto
				return ev
			}(),
			now:  noon,
			want: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if err := tc.pred.Compile(); err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if got := tc.pred.Match(tc.ev, tc.now); got != tc.want {
				t.Fatalf("Match() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPredicateCompileRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		pred subscriptions.Predicate
	}{
		{
			name: "emptyPattern",
			pred: subscriptions.Predicate{Kind: subscriptions.KindKeyword, Pattern: "  "},
		},
		{
			name: "brokenRegex",
			pred: subscriptions.Predicate{Kind: subscriptions.KindRegex, Pattern: "[unclosed"},
		},
		{
			name: "negativeMinLength",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "x",
				MinLength: intPtr(-1),
			},
		},
		{
			name: "minAboveMax",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "x",
				MinLength: intPtr(10), MaxLength: intPtr(5),
			},
		},
		{
			name: "unknownMessageType",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "x",
				MessageTypes: []string{"sticker"},
			},
		},
		{
			name: "brokenTimeWindow",
			pred: subscriptions.Predicate{
				Kind: subscriptions.KindKeyword, Pattern: "x",
				TimeWindow: "25:00-26:00",
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if err := tc.pred.Compile(); err == nil {
				t.Fatal("Compile() = nil, want error")
			}
		})
	}
}
