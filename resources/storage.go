package resources

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chazu/capsule/vm"
	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"
)

// store is the sqlite table behind a Storage service. Values are kept as
// CBOR records so they come back with their kind.
type store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

func openStore(path string) (*store, error) {
	dsn := path
	if path == "" {
		dsn = ":memory:"
	} else if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating storage dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// an in-memory database lives as long as its single connection
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	log.Infof("storage open at %s", dsn)
	return &store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *store) check() error {
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *store) get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, false, err
	}
	var data []byte
	err := s.db.QueryRow("SELECT value FROM entries WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying %s: %w", key, err)
	}
	return data, true, nil
}

func (s *store) put(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.db.Exec("INSERT OR REPLACE INTO entries (key, value) VALUES (?, ?)", key, data); err != nil {
		return fmt.Errorf("saving %s: %w", key, err)
	}
	return nil
}

func (s *store) delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.db.Exec("DELETE FROM entries WHERE key = ?", key)
	if err != nil {
		return false, fmt.Errorf("deleting %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *store) keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query("SELECT key FROM entries ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ---------------------------------------------------------------------------
// Value records
// ---------------------------------------------------------------------------

// record is the stored form of a value: primitives, strings and Constant
// arrays of those.
type record struct {
	Kind  uint8    `cbor:"k"`
	Int   int64    `cbor:"i,omitempty"`
	Float float64  `cbor:"f,omitempty"`
	Text  string   `cbor:"s,omitempty"`
	Type  string   `cbor:"t,omitempty"`
	Elems []record `cbor:"e,omitempty"`
}

func toRecord(h vm.Handle) (record, error) {
	switch v := vm.Deref(h).(type) {
	case vm.Primitive:
		r := record{Kind: uint8(v.Kind())}
		switch v.Kind() {
		case vm.KindBool:
			if v.AsBool() {
				r.Int = 1
			}
		case vm.KindInt, vm.KindChar:
			r.Int = v.AsInt()
		case vm.KindFloat:
			r.Float = v.AsFloat()
		}
		return r, nil
	case vm.Str:
		return record{Kind: uint8(vm.KindString), Text: v.Text()}, nil
	case *vm.ArrayHandle:
		r := record{Kind: uint8(vm.KindArray), Type: v.Composition().Key()}
		for _, e := range v.Elements() {
			er, err := toRecord(e)
			if err != nil {
				return record{}, err
			}
			r.Elems = append(r.Elems, er)
		}
		return r, nil
	}
	return record{}, fmt.Errorf("%w: cannot store %s", vm.ErrIllegalArgument, h)
}

func fromRecord(reg *vm.Registry, r record) (vm.Handle, error) {
	switch vm.Kind(r.Kind) {
	case vm.KindNull:
		return vm.Null, nil
	case vm.KindBool:
		return vm.Bool(r.Int != 0), nil
	case vm.KindInt:
		return vm.Int(r.Int), nil
	case vm.KindChar:
		return vm.Char(rune(r.Int)), nil
	case vm.KindFloat:
		return vm.Float(r.Float), nil
	case vm.KindString:
		return vm.Str(r.Text), nil
	case vm.KindArray:
		comp, err := reg.Lookup(r.Type)
		if err != nil {
			return nil, err
		}
		elems := make([]vm.Handle, len(r.Elems))
		for i, er := range r.Elems {
			if elems[i], err = fromRecord(reg, er); err != nil {
				return nil, err
			}
		}
		return constantArray(comp, elems)
	}
	return nil, fmt.Errorf("%w: stored value of kind %d", vm.ErrIllegalState, r.Kind)
}

func constantArray(comp *vm.Composition, elems []vm.Handle) (*vm.ArrayHandle, error) {
	arr, err := vm.NewArray(comp, 0)
	if err != nil {
		return nil, err
	}
	if err := arr.AddAll(elems...); err != nil {
		return nil, err
	}
	if err := vm.Freeze(arr); err != nil {
		return nil, err
	}
	return arr, nil
}

func storageNatives() []vm.NativeBinding {
	return []vm.NativeBinding{
		{Class: Storage, Signature: "get", Params: 1, Returns: 1, Fn: vm.Native1(func(f *vm.Frame, _, key vm.Handle) (vm.Handle, error) {
			s, err := state[*store](f)
			if err != nil {
				return nil, err
			}
			k, err := strArg(key, "key")
			if err != nil {
				return nil, err
			}
			data, ok, err := s.get(k)
			if err != nil || !ok {
				return vm.Null, err
			}
			var r record
			if err := cbor.Unmarshal(data, &r); err != nil {
				return nil, fmt.Errorf("%w: decoding %s: %v", vm.ErrIllegalState, k, err)
			}
			return fromRecord(f.Registry(), r)
		})},
		{Class: Storage, Signature: "put", Params: 2, Fn: func(f *vm.Frame, _ vm.Handle, args []vm.Handle) ([]vm.Handle, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("%w: put takes a key and a value", vm.ErrIllegalArgument)
			}
			s, err := state[*store](f)
			if err != nil {
				return nil, err
			}
			k, err := strArg(args[0], "key")
			if err != nil {
				return nil, err
			}
			r, err := toRecord(args[1])
			if err != nil {
				return nil, err
			}
			data, err := cbor.Marshal(r)
			if err != nil {
				return nil, err
			}
			return nil, s.put(k, data)
		}},
		{Class: Storage, Signature: "delete", Params: 1, Returns: 1, Fn: vm.Native1(func(f *vm.Frame, _, key vm.Handle) (vm.Handle, error) {
			s, err := state[*store](f)
			if err != nil {
				return nil, err
			}
			k, err := strArg(key, "key")
			if err != nil {
				return nil, err
			}
			ok, err := s.delete(k)
			if err != nil {
				return nil, err
			}
			return vm.Bool(ok), nil
		})},
		{Class: Storage, Signature: "keys", Returns: 1, Fn: vm.Native0(func(f *vm.Frame, _ vm.Handle) (vm.Handle, error) {
			s, err := state[*store](f)
			if err != nil {
				return nil, err
			}
			keys, err := s.keys()
			if err != nil {
				return nil, err
			}
			elems := make([]vm.Handle, len(keys))
			for i, k := range keys {
				elems[i] = vm.Str(k)
			}
			comp, err := f.Registry().Lookup("Array<String>")
			if err != nil {
				return nil, err
			}
			return constantArray(comp, elems)
		})},
	}
}
