package platform

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ohler55/ojg/oj"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"fwbids/common"
	"fwbids/meta"
)

const schema = `
CREATE TABLE IF NOT EXISTS containers (
	id       TEXT PRIMARY KEY,
	parent   TEXT REFERENCES containers(id) ON DELETE CASCADE,
	type     TEXT NOT NULL,
	label    TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL,
	data     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS containers_parent ON containers(parent, position);
CREATE TABLE IF NOT EXISTS blobs (
	id      TEXT PRIMARY KEY REFERENCES containers(id) ON DELETE CASCADE,
	content BLOB NOT NULL
);
`

// Store keeps platform hierarchy in a single SQLite database. Container
// fields are stored as JSON, file content as blobs. Safe for concurrent use,
// operations are serialized.
type Store struct {
	mu   sync.Mutex
	conn *sqlite.Conn
	now  func() time.Time
}

var _ Client = (*Store)(nil)

// Open opens (creating when necessary) store database at path.
func Open(path string) (*Store, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite, sqlite.OpenCreate, sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("unable to open store %q: %w", path, err)
	}
	// pragma has no effect inside of transaction, script runs in one
	if err := sqlitex.Execute(conn, `PRAGMA foreign_keys = ON;`, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to configure store %q: %w", path, err)
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to initialize store %q: %w", path, err)
	}
	return &Store{conn: conn, now: time.Now}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// acquire locks connection and makes statements interruptible by ctx.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conn.SetInterrupt(ctx.Done())
	return func() {
		s.conn.SetInterrupt(nil)
		s.mu.Unlock()
	}, nil
}

type row struct {
	id     string
	parent string
	ctype  common.ContainerType
	data   map[string]any
}

func decode(text string) (map[string]any, error) {
	v, err := oj.ParseString(text)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("container data is %T, not an object", v)
	}
	return m, nil
}

func (s *Store) row(id string) (*row, error) {
	var (
		r    *row
		derr error
	)
	err := sqlitex.Execute(s.conn, `SELECT id, COALESCE(parent, ''), type, data FROM containers WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r = &row{id: stmt.ColumnText(0), parent: stmt.ColumnText(1), ctype: common.ContainerType(stmt.ColumnText(2))}
				r.data, derr = decode(stmt.ColumnText(3))
				return derr
			},
		})
	if err != nil {
		return nil, fmt.Errorf("unable to read container %q: %w", id, err)
	}
	if r == nil {
		return nil, fmt.Errorf("container %q: %w", id, ErrNotFound)
	}
	r.data["id"] = r.id
	return r, nil
}

func (s *Store) children(parent string) ([]*row, error) {
	var rows []*row
	err := sqlitex.Execute(s.conn, `SELECT id, type, data FROM containers WHERE parent = ? ORDER BY position`,
		&sqlitex.ExecOptions{
			Args: []any{parent},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := &row{id: stmt.ColumnText(0), parent: parent, ctype: common.ContainerType(stmt.ColumnText(1))}
				data, err := decode(stmt.ColumnText(2))
				if err != nil {
					return fmt.Errorf("container %q: %w", r.id, err)
				}
				data["id"] = r.id
				r.data = data
				rows = append(rows, r)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("unable to read children of %q: %w", parent, err)
	}
	return rows, nil
}

// Tree implements Client.
func (s *Store) Tree(ctx context.Context, ctype common.ContainerType, id string) (*meta.Node, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := s.row(id)
	if err != nil {
		return nil, err
	}
	if r.ctype != ctype {
		return nil, fmt.Errorf("%s %q: %w", ctype, id, ErrNotFound)
	}
	if r.ctype == common.ContainerTypeSession {
		if err := s.embedParents(r); err != nil {
			return nil, err
		}
	}
	return s.subtree(r, nil)
}

// embedParents records subject and project of session r.
func (s *Store) embedParents(r *row) error {
	if len(r.parent) == 0 {
		return nil
	}
	p, err := s.row(r.parent)
	if err != nil {
		return err
	}
	if p.ctype == common.ContainerTypeSubject {
		r.data["subject"] = p.data
		r.data["project"] = p.parent
		return nil
	}
	r.data["project"] = p.id
	return nil
}

func (s *Store) subtree(r *row, subject map[string]any) (*meta.Node, error) {
	n := meta.NewNode(r.ctype, r.data)
	switch r.ctype {
	case common.ContainerTypeSubject:
		subject = r.data
	case common.ContainerTypeSession:
		if subject != nil {
			n.Data["subject"] = subject
		}
	}

	rows, err := s.children(r.id)
	if err != nil {
		return nil, err
	}
	for _, ch := range rows {
		if ch.ctype == common.ContainerTypeSession {
			switch r.ctype {
			case common.ContainerTypeProject:
				ch.data["project"] = r.id
			case common.ContainerTypeSubject:
				ch.data["project"] = r.parent
			}
		}
		c, err := s.subtree(ch, subject)
		if err != nil {
			return nil, err
		}
		n.Add(c)
	}
	return n, nil
}

// UpdateInfo implements Client.
func (s *Store) UpdateInfo(ctx context.Context, id string, info map[string]any) error {
	text, err := oj.Marshal(info)
	if err != nil {
		return fmt.Errorf("unable to encode info of %q: %w", id, err)
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = sqlitex.Execute(s.conn, `UPDATE containers SET data = json_set(data, '$.info', json(?)) WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(text), id}})
	if err != nil {
		return fmt.Errorf("unable to update info of %q: %w", id, err)
	}
	if s.conn.Changes() == 0 {
		return fmt.Errorf("container %q: %w", id, ErrNotFound)
	}
	return nil
}

func labelOf(ctype common.ContainerType, data map[string]any) string {
	key := "label"
	switch ctype {
	case common.ContainerTypeSubject:
		if code, ok := meta.LookupString(data, "code"); ok {
			return code
		}
	case common.ContainerTypeFile:
		key = "name"
	}
	label, _ := meta.LookupString(data, key)
	return label
}

func (s *Store) insert(parentID string, ctype common.ContainerType, data map[string]any) (string, error) {
	if !ctype.IsValid() {
		return "", fmt.Errorf("unable to create container: %w", common.ErrInvalidContainerType)
	}
	var parent any
	if len(parentID) > 0 {
		if _, err := s.row(parentID); err != nil {
			return "", err
		}
		parent = parentID
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	id := uid.String()

	stored := make(map[string]any, len(data))
	for k, v := range data {
		if k != "id" {
			stored[k] = v
		}
	}
	text, err := oj.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("unable to encode %s data: %w", ctype, err)
	}

	err = sqlitex.Execute(s.conn, `INSERT INTO containers (id, parent, type, label, position, data)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM containers WHERE parent IS ?), ?)`,
		&sqlitex.ExecOptions{Args: []any{id, parent, string(ctype), labelOf(ctype, data), parent, string(text)}})
	if err != nil {
		return "", fmt.Errorf("unable to create %s: %w", ctype, err)
	}
	return id, nil
}

// CreateContainer implements Client. Projects are created with empty
// parentID.
func (s *Store) CreateContainer(ctx context.Context, parentID string, ctype common.ContainerType, data map[string]any) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return s.insert(parentID, ctype, data)
}

// UploadFile implements Client.
func (s *Store) UploadFile(ctx context.Context, parentID, name string, data map[string]any, r io.Reader) (id string, err error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("unable to read %q: %w", name, err)
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	fields := make(map[string]any, len(data)+3)
	for k, v := range data {
		fields[k] = v
	}
	fields["name"] = name
	fields["size"] = int64(len(content))
	fields["modified"] = s.now().UTC().Format(time.RFC3339)

	defer sqlitex.Save(s.conn)(&err)
	if id, err = s.insert(parentID, common.ContainerTypeFile, fields); err != nil {
		return "", err
	}
	err = sqlitex.Execute(s.conn, `INSERT INTO blobs (id, content) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{id, content}})
	if err != nil {
		return "", fmt.Errorf("unable to store %q: %w", name, err)
	}
	return id, nil
}

// Download implements Client.
func (s *Store) Download(ctx context.Context, fileID string, w io.Writer) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	found := false
	err = sqlitex.Execute(s.conn, `SELECT content FROM blobs WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{fileID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				_, err := io.Copy(w, stmt.ColumnReader(0))
				return err
			},
		})
	if err != nil {
		return fmt.Errorf("unable to download %q: %w", fileID, err)
	}
	if !found {
		return fmt.Errorf("file %q: %w", fileID, ErrNotFound)
	}
	return nil
}

func (s *Store) find(query string, args ...any) (string, error) {
	var ids []string
	err := sqlitex.Execute(s.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ids = append(ids, stmt.ColumnText(0))
			return nil
		},
	})
	switch {
	case err != nil:
		return "", err
	case len(ids) == 0:
		return "", ErrNotFound
	case len(ids) > 1:
		return "", ErrAmbiguous
	}
	return ids[0], nil
}

// FindProject implements Client.
func (s *Store) FindProject(ctx context.Context, label string) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	id, err := s.find(`SELECT id FROM containers WHERE type = 'project' AND label = ?`, label)
	if err != nil {
		return "", fmt.Errorf("project %q: %w", label, err)
	}
	return id, nil
}

// FindChild implements Client.
func (s *Store) FindChild(ctx context.Context, parentID string, ctype common.ContainerType, label string) (string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	id, err := s.find(`SELECT id FROM containers WHERE parent = ? AND type = ? AND label = ?`, parentID, string(ctype), label)
	if err != nil {
		return "", fmt.Errorf("%s %q in %q: %w", ctype, label, parentID, err)
	}
	return id, nil
}
