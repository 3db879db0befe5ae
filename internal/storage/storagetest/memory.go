// Package storagetest provides an in-memory ObjectStore for tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type Object struct {
	Data []byte
	Mime string
}

// Store keeps objects in a map. PutErr makes every Put fail.
type Store struct {
	mu      sync.Mutex
	objects map[string]Object
	puts    int

	PutErr  error
	SignErr error
	Host    string
}

func New() *Store {
	return &Store{objects: map[string]Object{}, Host: "http://objects.test"}
}

func (s *Store) Put(ctx context.Context, key string, data []byte, mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.PutErr != nil {
		return s.PutErr
	}
	s.objects[key] = Object{Data: append([]byte(nil), data...), Mime: mimeType}
	return nil
}

func (s *Store) SignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s.SignErr != nil {
		return "", s.SignErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return "", errors.New("no such key")
	}
	return fmt.Sprintf("%s/%s?X-Amz-Expires=%d", s.Host, key, int(ttl.Seconds())), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	return o, ok
}

// Puts counts Put calls, failed ones included.
func (s *Store) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}
