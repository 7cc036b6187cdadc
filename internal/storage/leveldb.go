package storage

import (
	"context"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a Store persisted with goleveldb.
type LevelDB struct {
	db   *leveldb.DB
	sync bool
}

// OpenLevelDB opens (or creates) a leveldb database in dir. With syncWrites
// set, every batch is fsynced before Write returns.
func OpenLevelDB(dir string, syncWrites bool) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open leveldb at %s", dir)
	}
	return &LevelDB{db: db, sync: syncWrites}, nil
}

// OpenMemLevelDB opens a leveldb database backed by memory. Useful in tests.
func OpenMemLevelDB() (*LevelDB, error) {
	db, err := leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open in-memory leveldb")
	}
	return &LevelDB{db: db}, nil
}

func (s *LevelDB) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	value, err := s.db.Get(key, nil)
	if err != nil {
		return nil, mapLevelDBErr(err)
	}
	return value, nil
}

func (s *LevelDB) Put(ctx context.Context, key, value []byte) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	return mapLevelDBErr(s.db.Put(key, value, s.writeOptions()))
}

func (s *LevelDB) Delete(ctx context.Context, key []byte) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	return mapLevelDBErr(s.db.Delete(key, s.writeOptions()))
}

func (s *LevelDB) Write(ctx context.Context, batch *Batch) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	wb := new(leveldb.Batch)
	for _, op := range batch.Ops() {
		switch op.Kind {
		case OpPut:
			wb.Put(op.Key, op.Value)
		case OpDelete:
			wb.Delete(op.Key)
		}
	}
	return mapLevelDBErr(s.db.Write(wb, s.writeOptions()))
}

func (s *LevelDB) NewIterator(r Range, reverse bool) Iterator {
	iter := s.db.NewIterator(&util.Range{Start: r.Start, Limit: r.Limit}, nil)
	return &levelDBIterator{iter: iter, reverse: reverse}
}

func (s *LevelDB) Close() error {
	return mapLevelDBErr(s.db.Close())
}

func (s *LevelDB) writeOptions() *opt.WriteOptions {
	if !s.sync {
		return nil
	}
	return &opt.WriteOptions{Sync: true}
}

func mapLevelDBErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return ErrClosed
	default:
		return errors.Wrap(err, "storage: leveldb")
	}
}

type levelDBIterator struct {
	iter    iterator.Iterator
	reverse bool
	started bool
}

func (it *levelDBIterator) Next() bool {
	if !it.started {
		it.started = true
		if it.reverse {
			return it.iter.Last()
		}
		return it.iter.First()
	}
	if it.reverse {
		return it.iter.Prev()
	}
	return it.iter.Next()
}

func (it *levelDBIterator) Key() []byte {
	return it.iter.Key()
}

func (it *levelDBIterator) Value() []byte {
	return it.iter.Value()
}

func (it *levelDBIterator) Error() error {
	return mapLevelDBErr(it.iter.Error())
}

func (it *levelDBIterator) Release() {
	it.iter.Release()
}
