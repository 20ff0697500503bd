package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hololee/Lyra/internal/repository"
)

func TestMapErrorUniqueViolationColumn(t *testing.T) {
	cases := map[string]string{
		"environments_name_key":       "name",
		"environments_ssh_port_key":   "ssh_port",
		"environments_code_port_key":  "code_port",
		"worker_servers_base_url_key": "base_url",
	}
	for constraint, want := range cases {
		err := mapError(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: constraint}))
		column, ok := repository.ViolatedColumn(err)
		if !ok || column != want {
			t.Fatalf("%s: expected column %s, got %q (%v)", constraint, want, column, ok)
		}
		if !errors.Is(err, repository.ErrConflict) {
			t.Fatalf("%s: expected ErrConflict match", constraint)
		}
	}
}

func TestMapErrorNoRowsAndForeignKey(t *testing.T) {
	if !errors.Is(mapError(pgx.ErrNoRows), repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound")
	}
	fk := mapError(&pgconn.PgError{Code: "23503", ConstraintName: "environments_worker_server_id_fkey"})
	if !errors.Is(fk, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict for fk violation, got %v", fk)
	}
	if _, ok := repository.ViolatedColumn(fk); ok {
		t.Fatalf("fk violation should not report a unique column")
	}
}
