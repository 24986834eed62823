package db

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
)

// Columns the store layer's SQL reads and writes, per relation. A migration
// that drifts from this set fails every affected statement at runtime with
// undefined_column, so the embedded DDL is checked against it here.
var storeColumns = map[string][]string{
	// account.Store
	"accounts": {"id", "display_name", "avatar_url", "partner_id", "connected",
		"push_token", "show_online", "show_last_seen", "paired_at", "created_at"},
	// pairing.Registry
	"pairing_codes": {"code", "owner_id", "used", "created_at"},
	"connection_history": {"id", "owner_id", "partner_id", "partner_name",
		"code", "connected_at", "ended_at", "active", "reconnectable", "deleted"},
	"reconnection_requests": {"id", "requester_id", "target_id", "history_id",
		"status", "created_at", "updated_at"},
	// room.Store
	"rooms": {"id", "user_a", "user_b", "last_message", "last_sender_id",
		"last_activity", "active", "created_at"},
	// message.Store, base table and indexed view
	"messages": {"id", "room_id", "sender_id", "sender_name", "kind", "body",
		"image_url", "delivered", "read", "deleted", "favorited_by", "created_at"},
	"visible_messages": {"id", "room_id", "sender_id", "sender_name", "kind",
		"body", "image_url", "delivered", "read", "favorited_by", "created_at"},
}

var (
	tableRe = regexp.MustCompile(`(?is)CREATE TABLE IF NOT EXISTS (\w+)\s*\((.*?)\);`)
	viewRe  = regexp.MustCompile(`(?is)CREATE VIEW (\w+) AS\s*SELECT(.*?)\bFROM\b`)
)

// declaredColumns parses the embedded up migrations into relation -> column
// set. Table bodies list one column per line; constraint lines are skipped.
func declaredColumns(t *testing.T) map[string]map[string]bool {
	t.Helper()

	var ddl strings.Builder
	err := fs.WalkDir(migrationFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return nil
		}
		data, err := fs.ReadFile(migrationFS, path)
		if err != nil {
			return err
		}
		ddl.Write(data)
		ddl.WriteString("\n")
		return nil
	})
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}

	relations := make(map[string]map[string]bool)

	for _, m := range tableRe.FindAllStringSubmatch(ddl.String(), -1) {
		name := strings.ToLower(m[1])
		cols := make(map[string]bool)
		for _, line := range strings.Split(m[2], "\n") {
			fields := strings.Fields(strings.TrimSpace(line))
			if len(fields) == 0 {
				continue
			}
			first := strings.ToUpper(fields[0])
			switch first {
			case "UNIQUE", "PRIMARY", "FOREIGN", "CHECK", "CONSTRAINT":
				continue
			}
			cols[strings.ToLower(fields[0])] = true
		}
		relations[name] = cols
	}

	for _, m := range viewRe.FindAllStringSubmatch(ddl.String(), -1) {
		name := strings.ToLower(m[1])
		cols := make(map[string]bool)
		for _, c := range strings.Split(m[2], ",") {
			c = strings.ToLower(strings.TrimSpace(c))
			if c != "" {
				cols[c] = true
			}
		}
		relations[name] = cols
	}

	return relations
}

func TestMigrations_DeclareAllStoreColumns(t *testing.T) {
	relations := declaredColumns(t)

	for rel, want := range storeColumns {
		declared, ok := relations[rel]
		if !ok {
			t.Errorf("relation %s is not created by any migration", rel)
			continue
		}
		for _, col := range want {
			if !declared[col] {
				t.Errorf("%s.%s is referenced by store SQL but missing from the migrations", rel, col)
			}
		}
	}
}

func TestMigrations_HaveMatchingDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		seen[e.Name()] = true
	}
	for name := range seen {
		if strings.HasSuffix(name, ".up.sql") {
			down := strings.TrimSuffix(name, ".up.sql") + ".down.sql"
			if !seen[down] {
				t.Errorf("migration %s has no matching down file", name)
			}
		}
	}
}
