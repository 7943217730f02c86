// boltstore.go — персистентность реестра поверх bbolt. Слепок реестра
// хранится одним JSON-значением; bbolt даёт атомарность записи и
// устойчивость к обрыву процесса без ручной возни с временными файлами.

package subscriptions

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"telegram-keyword-bot/internal/infra/logger"
)

var (
	bucketRegistry = []byte("registry")
	keySnapshot    = []byte("snapshot")
)

// Store — обёртка над файлом bbolt для сохранения и загрузки реестра.
type Store struct {
	db *bolt.DB
}

// OpenStore открывает (или создаёт) базу по пути. Каталог создаётся при
// необходимости. Таймаут защищает от зависания на чужой файловой блокировке.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create storage dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(bucketRegistry)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init registry bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Save записывает текущий слепок реестра одной транзакцией.
func (st *Store) Save(reg *Registry) error {
	data, err := reg.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	err = st.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistry).Put(keySnapshot, data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist registry: %w", err)
	}
	logger.Debugf("registry snapshot saved (%d bytes)", len(data))
	return nil
}

// Load восстанавливает реестр из базы. Пустая база не считается ошибкой.
func (st *Store) Load(reg *Registry) error {
	var data []byte
	err := st.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketRegistry).Get(keySnapshot); v != nil {
			data = append(data, v...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read registry db: %w", err)
	}
	if len(data) == 0 {
		logger.Infof("registry db is empty, starting fresh")
		return nil
	}
	return reg.RestoreSnapshot(data)
}

// Close закрывает базу.
func (st *Store) Close() error {
	return st.db.Close()
}
