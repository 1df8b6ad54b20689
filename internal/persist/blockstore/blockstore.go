// Package blockstore provides a reference BlockDevice_i implementation
// backing the persistence bridge's abstract block-storage contract
//: "the core requires read/write/flush with error values
// mappable into the VOID reason taxonomy." The core (internal/persist)
// never imports bbolt itself; only this adapter package does, keeping
// the real-hardware boundary named in §1's external-collaborators list
// intact.
package blockstore

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// BlockSize is the fixed block length in bytes this device stores per LBA.
const BlockSize = 4096

var bucketName = []byte("blocks")

// BoltDevice is a go.etcd.io/bbolt-backed block device: every LBA maps
// to one BlockSize-byte value in a single bucket, the same
// single-bucket-keep-it-simple layout the retrieval pack's boltdb
// cache uses.
type BoltDevice struct {
	db *bbolt.DB
}

// Open opens (creating if needed) a bolt-backed block device at path.
func Open(path string) (*BoltDevice, error) {
	db, err:= bbolt.Open(path, 0660, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("blockstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err:= tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("blockstore: create bucket: %w", err)
	}
	return &BoltDevice{db: db}, nil
}

func lbaKey(lba uint64) []byte {
	k:= make([]byte, 8)
	for i:= 0; i < 8; i++ {
		k[7-i] = byte(lba >> (8 * i))
	}
	return k
}

// Read fills buf (count*BlockSize bytes) starting at lba. Unwritten
// blocks read back as zero.
func (b *BoltDevice) Read(lba uint64, count uint32, buf []byte) error {
	if len(buf) < int(count)*BlockSize {
		return fmt.Errorf("blockstore: buffer too small for %d blocks", count)
	}
	return b.db.View(func(tx *bbolt.Tx) error {
		bkt:= tx.Bucket(bucketName)
		for i:= uint32(0); i < count; i++ {
			v:= bkt.Get(lbaKey(lba + uint64(i)))
			dst:= buf[int(i)*BlockSize: int(i+1)*BlockSize]
			if v == nil {
				for j:= range dst {
					dst[j] = 0
				}
				continue
			}
			copy(dst, v)
		}
		return nil
	})
}

// Write stores count*BlockSize bytes from buf starting at lba.
func (b *BoltDevice) Write(lba uint64, count uint32, buf []byte) error {
	if len(buf) < int(count)*BlockSize {
		return fmt.Errorf("blockstore: buffer too small for %d blocks", count)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt:= tx.Bucket(bucketName)
		for i:= uint32(0); i < count; i++ {
			src:= buf[int(i)*BlockSize: int(i+1)*BlockSize]
			cp:= make([]byte, BlockSize)
			copy(cp, src)
			if err:= bkt.Put(lbaKey(lba+uint64(i)), cp); err != nil {
				return err
			}
		}
		return nil
	})
}

// Flush fsyncs the underlying database file.
func (b *BoltDevice) Flush() error {
	return b.db.Sync()
}

// Close releases the underlying file handle.
func (b *BoltDevice) Close() error {
	return b.db.Close()
}
