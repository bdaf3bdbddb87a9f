package store

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestMySQLStore_Connection(t *testing.T) {
	t.Run("invalid DSN", func(t *testing.T) {
		if _, err := NewMySQLStore("invalid:dsn:string"); err == nil {
			t.Error("expected error with invalid DSN, got nil")
		}
	})

	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL tests: TEST_MYSQL_DSN not set")
	}

	t.Run("ping and close", func(t *testing.T) {
		s, err := NewMySQLStore(dsn)
		if err != nil {
			t.Fatalf("NewMySQLStore: %v", err)
		}
		ctx := context.Background()
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
		if err := s.Ping(ctx); !errors.Is(err, ErrClosed) {
			t.Errorf("Ping after Close: expected ErrClosed, got %v", err)
		}
	})
}
