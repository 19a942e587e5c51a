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

package domain

import "fmt"

// encodeNumericKey renders a non-negative float as a fixed-width decimal
// string so lexicographic string ordering matches numeric ordering --
// the encoding auto-increment keys (always >= 1) rely on for P6.
func encodeNumericKey(v float64) string {
	return fmt.Sprintf("n:%020.6f", v)
}

// TxMode is the transaction mode a C7 store view is opened with.
type TxMode int

const (
	Readonly TxMode = iota
	Readwrite
	Versionchange
)

// KVKey is a canonical-key: either a numeric auto-increment key or a
// caller-supplied string key, total-ordered per spec.md §4.7 (P6) by
// comparing CanonicalString().
type KVKey struct {
	Numeric   bool
	NumValue  float64
	StrValue  string
}

// CanonicalString renders the key into the single total-ordered string
// space the primary/secondary indices sort by: numeric keys sort before
// string keys, and within each kind lexicographic ordering over a
// fixed-width encoding matches numeric/lexical ordering.
func (k KVKey) CanonicalString() string {
	if k.Numeric {
		return encodeNumericKey(k.NumValue)
	}
	return "s:" + k.StrValue
}

// KVEntry is one primary-index record.
type KVEntry struct {
	Key   KVKey
	Value []byte // caller-opaque; a real engine would use a richer codec
}

// KVCursor iterates a snapshot of a store's key order taken at
// open_cursor time; advancing past the end returns ok=false permanently
// until Reset (spec.md §4.7).
type KVCursor interface {
	Advance() (KVEntry, bool)
	Reset()
}

// ObjectStoreIface is one named object store within a database.
type ObjectStoreIface interface {
	Put(key *KVKey, value []byte) (KVKey, error)
	Get(key KVKey) ([]byte, bool)
	Delete(key KVKey) error
	OpenCursor() KVCursor
	CreateIndex(name string, extract func(value []byte) (KVKey, bool)) error
	DeleteIndex(name string) error
	GetByIndex(indexName string, indexKey KVKey) ([]byte, bool)
}

// DatabaseIface is one named database within an app's engine.
type DatabaseIface interface {
	Version() uint64
	Transaction(mode TxMode, stores []string) (TxHandle, error)
}

// TxHandle represents a held, exclusive-per-store transaction view
// (spec.md §4.7: "operations are observed atomically by the holder").
// Store/CreateObjectStore/DeleteObjectStore are only valid between
// opening the transaction and Commit/Abort; CreateObjectStore and
// DeleteObjectStore additionally require Versionchange.
type TxHandle interface {
	Store(name string) (ObjectStoreIface, bool)
	CreateObjectStore(name string, autoIncrement bool) (ObjectStoreIface, error)
	DeleteObjectStore(name string) error

	Commit() error
	Abort() error
}

// KVServiceIface is the C7 entry point: a per-app engine owning named
// databases, each owning named stores (spec.md §4.7).
type KVServiceIface interface {
	Setup(quotaBytes uint64)

	OpenDatabase(app, name string, version uint64) (DatabaseIface, error)
	DeleteDatabase(app, name string) error

	QuotaUsed(app string) uint64
}
