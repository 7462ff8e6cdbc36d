package rollback

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/model"
)

const (
	pointPrefix = "point/"
	opPrefix    = "op/"
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's internal log output. Nil silences it.
	Logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore persists points and operations in a badger database, keyed
// point/<id> and op/<id>, with JSON values.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens or creates the database described by cfg.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errclass.ErrConfigInvalid.WithMessage("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, errclass.ErrStoreFailed.WithMessagef("create store directory %s", cfg.Path).Wrap(err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errclass.ErrStoreFailed.WithMessage("open badger database").Wrap(err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errclass.ErrStoreFailed.WithMessagef("encode %s", key).Wrap(err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return errclass.ErrStoreFailed.WithMessagef("write %s", key).Wrap(err)
	}
	return nil
}

// get decodes the value at key into v, reporting whether it existed.
func (s *BadgerStore) get(key string, v any) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errclass.ErrStoreFailed.WithMessagef("read %s", key).Wrap(err)
	}
	return true, nil
}

// scan calls fn with every value under prefix.
func (s *BadgerStore) scan(prefix string, fn func(val []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errclass.ErrStoreFailed.WithMessagef("scan %s", prefix).Wrap(err)
	}
	return nil
}

func (s *BadgerStore) PutPoint(p *model.RollbackPoint) error {
	return s.put(pointPrefix+string(p.ID), p)
}

func (s *BadgerStore) GetPoint(id model.PointID) (*model.RollbackPoint, error) {
	var p model.RollbackPoint
	ok, err := s.get(pointPrefix+string(id), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pointNotFound(id)
	}
	return &p, nil
}

// ListPoints returns every point, newest first.
func (s *BadgerStore) ListPoints() ([]*model.RollbackPoint, error) {
	var out []*model.RollbackPoint
	err := s.scan(pointPrefix, func(val []byte) error {
		var p model.RollbackPoint
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortPoints(out)
	return out, nil
}

func (s *BadgerStore) DeletePoint(id model.PointID) error {
	key := []byte(pointPrefix + string(id))
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return pointNotFound(id)
	}
	if err != nil {
		return errclass.ErrStoreFailed.WithMessagef("delete point %s", id).Wrap(err)
	}
	return nil
}

func (s *BadgerStore) PutOperation(op *model.RollbackOperation) error {
	return s.put(opPrefix+string(op.ID), op)
}

func (s *BadgerStore) GetOperation(id model.OperationID) (*model.RollbackOperation, error) {
	var op model.RollbackOperation
	ok, err := s.get(opPrefix+string(id), &op)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, operationNotFound(id)
	}
	return &op, nil
}

// ListOperations returns every operation, most recently started first.
func (s *BadgerStore) ListOperations() ([]*model.RollbackOperation, error) {
	var out []*model.RollbackOperation
	err := s.scan(opPrefix, func(val []byte) error {
		var op model.RollbackOperation
		if err := json.Unmarshal(val, &op); err != nil {
			return err
		}
		out = append(out, &op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortOperations(out)
	return out, nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
