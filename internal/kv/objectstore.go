//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package kv

import (
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/nestybox/kernelcore/domain"
)

// index is a secondary index: a derived radix tree mapping an extracted
// index key to the primary key of the record it was extracted from.
type index struct {
	tree    *iradix.Tree
	extract func(value []byte) (domain.KVKey, bool)
}

// objectStore is one named store. Its primary index holds the full
// records; values are looked up directly by primary key. Secondary
// indices only ever store the primary key, so a lookup by index key is
// one extra hop through the primary tree.
type objectStore struct {
	holdMu sync.Mutex // held exclusively for the lifetime of a transaction (spec.md §4.7)

	mu            sync.RWMutex
	name          string
	autoIncrement bool
	counter       uint64
	primary       *iradix.Tree
	indices       map[string]*index
	engine        *engine
}

// txStore is the per-transaction view handed back by tx.Store /
// tx.CreateObjectStore; it only enforces the read-only gate, since
// exclusivity is already held at the objectStore.holdMu level.
type txStore struct {
	store    *objectStore
	readOnly bool
}

var _ domain.ObjectStoreIface = (*txStore)(nil)

func (t *txStore) Put(key *domain.KVKey, value []byte) (domain.KVKey, error) {
	if t.readOnly {
		return domain.KVKey{}, ErrReadOnly
	}
	return t.store.put(key, value)
}

func (t *txStore) Get(key domain.KVKey) ([]byte, bool) {
	return t.store.get(key)
}

func (t *txStore) Delete(key domain.KVKey) error {
	if t.readOnly {
		return ErrReadOnly
	}
	return t.store.delete(key)
}

func (t *txStore) OpenCursor() domain.KVCursor {
	return t.store.openCursor()
}

func (t *txStore) CreateIndex(name string, extract func(value []byte) (domain.KVKey, bool)) error {
	if t.readOnly {
		return ErrReadOnly
	}
	return t.store.createIndex(name, extract)
}

func (t *txStore) DeleteIndex(name string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	return t.store.deleteIndex(name)
}

func (t *txStore) GetByIndex(indexName string, indexKey domain.KVKey) ([]byte, bool) {
	return t.store.getByIndex(indexName, indexKey)
}

// put inserts or overwrites a record. A nil key (S3: the worked
// auto-increment example) only applies when the store was created with
// autoIncrement; the assigned key is always the next counter value,
// rendered as a KVKey{Numeric: true}.
func (o *objectStore) put(key *domain.KVKey, value []byte) (domain.KVKey, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var k domain.KVKey
	if key == nil {
		if !o.autoIncrement {
			return domain.KVKey{}, ErrKeyRequired
		}
		o.counter++
		k = domain.KVKey{Numeric: true, NumValue: float64(o.counter)}
	} else {
		k = *key
		if k.Numeric && k.NumValue > float64(o.counter) {
			o.counter = uint64(k.NumValue)
		}
	}

	canonical := []byte(k.CanonicalString())

	oldValue, hadOld := o.primary.Get(canonical)
	delta := len(value)
	if hadOld {
		delta -= len(oldValue.([]byte))
	}
	if err := o.engine.addQuota(int64(delta)); err != nil {
		return domain.KVKey{}, err
	}

	entry := domain.KVEntry{Key: k, Value: value}
	tree, _, _ := o.primary.Insert(canonical, value)
	o.primary = tree

	for _, idx := range o.indices {
		if ik, ok := idx.extract(value); ok {
			t, _, _ := idx.tree.Insert([]byte(ik.CanonicalString()), canonical)
			idx.tree = t
		}
	}
	_ = entry

	return k, nil
}

func (o *objectStore) get(key domain.KVKey) ([]byte, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.primary.Get([]byte(key.CanonicalString()))
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (o *objectStore) delete(key domain.KVKey) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	canonical := []byte(key.CanonicalString())
	oldValue, hadOld := o.primary.Get(canonical)
	if !hadOld {
		return ErrNotFound
	}
	if err := o.engine.addQuota(-int64(len(oldValue.([]byte)))); err != nil {
		return err
	}

	tree, _, _ := o.primary.Delete(canonical)
	o.primary = tree
	return nil
}

func (o *objectStore) createIndex(name string, extract func(value []byte) (domain.KVKey, bool)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.indices[name]; exists {
		return ErrAlreadyExists
	}

	tree := iradix.New()
	iter := o.primary.Root().Iterator()
	for k, v, ok := iter.Next(); ok; k, v, ok = iter.Next() {
		if ik, match := extract(v.([]byte)); match {
			t, _, _ := tree.Insert([]byte(ik.CanonicalString()), append([]byte(nil), k...))
			tree = t
		}
	}

	o.indices[name] = &index{tree: tree, extract: extract}
	return nil
}

func (o *objectStore) deleteIndex(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.indices[name]; !ok {
		return ErrNotFound
	}
	delete(o.indices, name)
	return nil
}

func (o *objectStore) getByIndex(indexName string, indexKey domain.KVKey) ([]byte, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	idx, ok := o.indices[indexName]
	if !ok {
		return nil, false
	}
	primaryKey, ok := idx.tree.Get([]byte(indexKey.CanonicalString()))
	if !ok {
		return nil, false
	}
	v, ok := o.primary.Get(primaryKey.([]byte))
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// openCursor takes a point-in-time iterator over the primary tree's
// current root; because iradix trees are persistent, later writes to
// o.primary never mutate the snapshot this cursor walks (spec.md §4.7).
func (o *objectStore) openCursor() *cursor {
	o.mu.RLock()
	root := o.primary
	o.mu.RUnlock()
	return &cursor{root: root, iter: root.Root().Iterator()}
}

// cursor walks a frozen snapshot of a primary index in canonical-key
// order. Advance past the end returns ok=false until Reset rewinds.
type cursor struct {
	root *iradix.Tree
	iter *iradix.Iterator
}

var _ domain.KVCursor = (*cursor)(nil)

func (c *cursor) Advance() (domain.KVEntry, bool) {
	k, v, ok := c.iter.Next()
	if !ok {
		return domain.KVEntry{}, false
	}
	key := decodeCanonicalKey(k)
	return domain.KVEntry{Key: key, Value: v.([]byte)}, true
}

func (c *cursor) Reset() {
	c.iter = c.root.Root().Iterator()
}

// decodeCanonicalKey reverses KVKey.CanonicalString enough to hand the
// original key shape back to a cursor caller; it does not attempt to
// recover the exact float formatting, only whether it was numeric.
func decodeCanonicalKey(raw []byte) domain.KVKey {
	s := string(raw)
	if len(s) >= 2 && s[0] == 'n' && s[1] == ':' {
		var v float64
		_, _ = fmt.Sscanf(s[2:], "%f", &v)
		return domain.KVKey{Numeric: true, NumValue: v}
	}
	if len(s) >= 2 {
		return domain.KVKey{StrValue: s[2:]}
	}
	return domain.KVKey{StrValue: s}
}
