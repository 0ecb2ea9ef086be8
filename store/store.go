// Package store keeps trained models in a badger database keyed by category label.
package store

import (
	"encoding"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/mtrack/skalman"
)

// ErrNotFound is returned when no model is stored under a label.
var ErrNotFound = errors.New("store: model not found")

const keyPrefix = "model/"

// Store is a durable map from category label to an encoded model.
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

// Open opens, creating it if needed, the store in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	return open(badger.DefaultOptions(dir), logger)
}

// OpenInMemory opens a store which is discarded on Close.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), logger)
}

func open(opts badger.Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := badger.Open(opts.WithLogger(Logger{logger.With(slog.String("component", "badger"))}))
	if err != nil {
		return nil, fmt.Errorf("opening model store: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(label string) []byte {
	return []byte(keyPrefix + label)
}

// Put encodes and stores v under label, replacing any previous value.
func (s *Store) Put(label string, v encoding.BinaryMarshaler) error {
	if label == "" {
		return fmt.Errorf("store: empty label")
	}
	data, err := v.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding %q: %w", label, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(label), data)
	}); err != nil {
		return fmt.Errorf("storing %q: %w", label, err)
	}
	s.log.Debug("stored model", slog.String("label", label), slog.Int("bytes", len(data)))
	return nil
}

// Get decodes the value stored under label into v.
func (s *Store) Get(label string, v encoding.BinaryUnmarshaler) error {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(label))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	if err != nil {
		return fmt.Errorf("loading %q: %w", label, err)
	}
	return v.UnmarshalBinary(data)
}

// Delete removes the value stored under label. Deleting a missing label is not an error.
func (s *Store) Delete(label string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(label))
	})
}

// Labels returns the stored labels in lexical order.
func (s *Store) Labels() ([]string, error) {
	var labels []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			labels = append(labels, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	return labels, err
}

// AxisModels loads the axis models of every stored label, ready for
// skalman.NewClassifier.
func (s *Store) AxisModels() (map[string]skalman.AxisModels, error) {
	labels, err := s.Labels()
	if err != nil {
		return nil, err
	}
	models := make(map[string]skalman.AxisModels, len(labels))
	for _, label := range labels {
		var m skalman.AxisModels
		if err := s.Get(label, &m); err != nil {
			return nil, err
		}
		models[label] = m
	}
	return models, nil
}

// Logger adapts a slog.Logger to badger.Logger.
type Logger struct {
	*slog.Logger
}

// Errorf implements badger.Logger.
func (l Logger) Errorf(format string, args ...any) {
	l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Warningf implements badger.Logger.
func (l Logger) Warningf(format string, args ...any) {
	l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Infof implements badger.Logger.
func (l Logger) Infof(format string, args ...any) {
	l.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Debugf implements badger.Logger.
func (l Logger) Debugf(format string, args ...any) {
	l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
