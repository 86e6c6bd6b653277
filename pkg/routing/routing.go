// Package routing implements the durable doc_id -> {tier, file_id,
// created_at} mapping (spec.md §4.5), backed by BadgerDB the way the
// teacher's graph engine backs its own node/edge tables
// (pkg/storage/badger_helpers.go). The routing table is the linearization
// point: ANN backends may lag briefly during migration, but a doc_id's
// existence and tier are authoritative here.
package routing

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vecgen/retrieval/pkg/vecerr"
)

// Tier identifies which ANN backend owns a doc_id.
type Tier byte

const (
	TierHot  Tier = 1
	TierCold Tier = 2
)

func (t Tier) String() string {
	if t == TierCold {
		return "cold"
	}
	return "hot"
}

// Record is one routing entry.
type Record struct {
	DocID     string
	Tier      Tier
	FileID    string
	CreatedAt time.Time
}

// Stats summarizes the table's contents (§4.6's stats() surface).
type Stats struct {
	Total int
	Hot   int
	Cold  int
	Files int
}

// Key layout mirrors the teacher's single-byte-prefix + raw-bytes +
// 0x00-separator convention (badger_helpers.go's nodeKey/labelIndexKey):
//   prefixRecord | doc_id                        -> encoded Record
//   prefixFileIndex | file_id | 0x00 | doc_id     -> empty (secondary index)
const (
	prefixRecord    byte = 0x01
	prefixFileIndex byte = 0x02
)

func recordKey(docID string) []byte {
	return append([]byte{prefixRecord}, []byte(docID)...)
}

func fileIndexKey(fileID, docID string) []byte {
	key := make([]byte, 0, 1+len(fileID)+1+len(docID))
	key = append(key, prefixFileIndex)
	key = append(key, []byte(fileID)...)
	key = append(key, 0x00)
	key = append(key, []byte(docID)...)
	return key
}

func fileIndexPrefix(fileID string) []byte {
	key := make([]byte, 0, 1+len(fileID)+1)
	key = append(key, prefixFileIndex)
	key = append(key, []byte(fileID)...)
	key = append(key, 0x00)
	return key
}

// encodeRecord packs a Record as: u8 tier | u64 created_at_ms | u32
// file_id_len | file_id, mirroring the little-endian framed layout spec.md
// §6 names for routing.db, adapted here to a Badger value rather than a
// standalone file.
func encodeRecord(r Record) []byte {
	fileIDBytes := []byte(r.FileID)
	buf := make([]byte, 1+8+4+len(fileIDBytes))
	buf[0] = byte(r.Tier)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(r.CreatedAt.UnixMilli()))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(fileIDBytes)))
	copy(buf[13:], fileIDBytes)
	return buf
}

func decodeRecord(docID string, buf []byte) (Record, error) {
	if len(buf) < 13 {
		return Record{}, vecerr.New(vecerr.KindPersistError, "routing: corrupt record")
	}
	tier := Tier(buf[0])
	createdMs := binary.LittleEndian.Uint64(buf[1:9])
	fileLen := binary.LittleEndian.Uint32(buf[9:13])
	if int(13+fileLen) > len(buf) {
		return Record{}, vecerr.New(vecerr.KindPersistError, "routing: corrupt record file_id length")
	}
	fileID := string(buf[13 : 13+fileLen])
	return Record{
		DocID:     docID,
		Tier:      tier,
		FileID:    fileID,
		CreatedAt: time.UnixMilli(int64(createdMs)),
	}, nil
}

// Table is the durable routing table.
type Table struct {
	db *badger.DB
}

// Open opens (creating if absent) the Badger-backed routing table at dir.
func Open(dir string) (*Table, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, vecerr.Wrap(vecerr.KindPersistError, "routing.Open: badger.Open", err)
	}
	return &Table{db: db}, nil
}

// Close releases the underlying Badger handle.
func (t *Table) Close() error {
	if err := t.db.Close(); err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "routing.Close", err)
	}
	return nil
}

// Put writes a single routing record atomically.
func (t *Table) Put(r Record) error {
	return t.PutMany([]Record{r})
}

// PutMany writes records as a single atomic batch, so an online migration's
// tier flip is observable as one transition per batch (§4.5).
func (t *Table) PutMany(records []Record) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		for _, r := range records {
			if err := txn.Set(recordKey(r.DocID), encodeRecord(r)); err != nil {
				return err
			}
			if r.FileID != "" {
				if err := txn.Set(fileIndexKey(r.FileID, r.DocID), nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "routing.PutMany", err)
	}
	return nil
}

// Get returns the record for docID, or ok=false if it doesn't exist.
func (t *Table) Get(docID string) (Record, bool, error) {
	var rec Record
	found := false
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(docID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err = decodeRecord(docID, val)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Record{}, false, vecerr.Wrap(vecerr.KindPersistError, "routing.Get", err)
	}
	return rec, found, nil
}

// Delete removes a routing record and its file index entry.
func (t *Table) Delete(docID string) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(docID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec, err := decodeRecord(docID, val)
		if err != nil {
			return err
		}
		if err := txn.Delete(recordKey(docID)); err != nil {
			return err
		}
		if rec.FileID != "" {
			if err := txn.Delete(fileIndexKey(rec.FileID, docID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "routing.Delete", err)
	}
	return nil
}

// ByFileID returns every doc_id routed under fileID.
func (t *Table) ByFileID(fileID string) ([]Record, error) {
	var out []Record
	prefix := fileIndexPrefix(fileID)
	err := t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			docID := strings.TrimPrefix(string(key[1:]), fileID+"\x00")
			item, err := txn.Get(recordKey(docID))
			if err != nil {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(docID, val)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, vecerr.Wrap(vecerr.KindPersistError, "routing.ByFileID", err)
	}
	return out, nil
}

// IterByTier calls fn for every record in the given tier. Iteration stops
// early if fn returns false.
func (t *Table) IterByTier(tier Tier, fn func(Record) bool) error {
	err := t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixRecord}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			docID := string(it.Item().Key()[1:])
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(docID, val)
			if err != nil {
				return err
			}
			if rec.Tier != tier {
				continue
			}
			if !fn(rec) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "routing.IterByTier", err)
	}
	return nil
}

// SetTierMany atomically flips the tier of every given doc_id, used by the
// archive flow and by migration commit so the whole batch becomes visible
// as a single transition (§4.5, §4.11).
func (t *Table) SetTierMany(docIDs []string, tier Tier) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		for _, docID := range docIDs {
			item, err := txn.Get(recordKey(docID))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(docID, val)
			if err != nil {
				return err
			}
			rec.Tier = tier
			if err := txn.Set(recordKey(docID), encodeRecord(rec)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return vecerr.Wrap(vecerr.KindPersistError, "routing.SetTierMany", err)
	}
	return nil
}

// Stats returns aggregate counts across the table.
func (t *Table) Stats() (Stats, error) {
	var s Stats
	files := make(map[string]bool)
	err := t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixRecord}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			docID := string(it.Item().Key()[1:])
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(docID, val)
			if err != nil {
				return err
			}
			s.Total++
			if rec.Tier == TierHot {
				s.Hot++
			} else {
				s.Cold++
			}
			if rec.FileID != "" {
				files[rec.FileID] = true
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, vecerr.Wrap(vecerr.KindPersistError, "routing.Stats", err)
	}
	s.Files = len(files)
	return s, nil
}

// AllDocIDs returns every doc_id currently routed, used by the crash
// recovery reconciliation pass (SPEC_FULL.md §6) to check Hot/Cold for
// orphaned entries with no routing record.
func (t *Table) AllDocIDs() (map[string]Tier, error) {
	out := make(map[string]Tier)
	err := t.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixRecord}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			docID := string(it.Item().Key()[1:])
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(docID, val)
			if err != nil {
				return err
			}
			out[docID] = rec.Tier
		}
		return nil
	})
	if err != nil {
		return nil, vecerr.Wrap(vecerr.KindPersistError, "routing.AllDocIDs", err)
	}
	return out, nil
}
