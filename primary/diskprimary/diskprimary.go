// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package diskprimary implements an append-only, checksummed on-disk
// Primary: a small header (magic, format version, a random instance id,
// and a record count) followed by self-describing records of
//
//	checksum (u32 LE) || key_len (u8) || value_len (u16 LE) || key || value
//
// A position handed back by Put is simply the file offset of the record,
// which is also what IndexKey and GetKeyValue take to read it back — this
// package never keeps its own in-memory index of where things are.
package diskprimary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/dgryski/go-farm"
	"github.com/google/uuid"
)

const (
	magic         uint32 = 0x53544844 // "STHD"
	formatVersion uint32 = 1

	magicSize       = 4
	versionSize     = 4
	instanceIDSize  = 16
	recordCountSize = 8
	headerSize      = magicSize + versionSize + instanceIDSize + recordCountSize

	checksumSize     = 4
	keyLenSize       = 1
	valueLenSize     = 2
	recordHeaderSize = checksumSize + keyLenSize + valueLenSize

	maxKeyLen   = 1<<8 - 1
	maxValueLen = 1<<16 - 1
)

var (
	// ErrKeyTooLong is returned by Put when key is longer than 255 bytes.
	ErrKeyTooLong = errors.New("diskprimary: key too long")
	// ErrValueTooLong is returned by Put when value is longer than 65535 bytes.
	ErrValueTooLong = errors.New("diskprimary: value too long")
	// ErrInvalidPosition is returned by IndexKey and GetKeyValue for
	// position 0, which is never a valid record offset.
	ErrInvalidPosition = errors.New("diskprimary: invalid position")
	// ErrChecksumMismatch is returned when a record's stored checksum
	// does not match its value, meaning the file has been corrupted.
	ErrChecksumMismatch = errors.New("diskprimary: checksum mismatch, file corrupted")
	// ErrHeaderMismatch is returned by Open when a file's magic or
	// format version marks it as unreadable by this package.
	ErrHeaderMismatch = errors.New("diskprimary: not a diskprimary file, or unsupported version")
)

// Primary is an open on-disk primary store.
type Primary struct {
	f          *os.File
	size       int64
	count      uint64
	instanceID uuid.UUID
}

// Open opens (creating if necessary) the primary file at path. A file that
// already exists is scanned from the header forward; a torn record at the
// tail from a crashed write is truncated away, exactly as indexfile does
// for the index log.
func Open(path string) (*Primary, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskprimary: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diskprimary: stat %s: %w", path, err)
	}

	if info.Size() == 0 {
		id := uuid.New()
		p := &Primary{f: f, size: headerSize, instanceID: id}
		if err := p.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return p, nil
	}

	p := &Primary{f: f}
	if err := p.readHeaderAndScan(info.Size()); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *Primary) writeHeader() error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], formatVersion)
	idBytes, _ := p.instanceID.MarshalBinary()
	copy(hdr[8:8+instanceIDSize], idBytes)
	binary.LittleEndian.PutUint64(hdr[8+instanceIDSize:headerSize], p.count)
	if _, err := p.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("diskprimary: write header: %w", err)
	}
	return nil
}

// readHeaderAndScan validates the file header and walks every record from
// there to the end, truncating at the first record that doesn't fully fit
// (a torn write) or fails its checksum (corruption).
func (p *Primary) readHeaderAndScan(fileSize int64) error {
	var hdr [headerSize]byte
	if _, err := p.f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("diskprimary: read header: %w", err)
	}
	if got := binary.LittleEndian.Uint32(hdr[0:4]); got != magic {
		return fmt.Errorf("%w: bad magic", ErrHeaderMismatch)
	}
	if got := binary.LittleEndian.Uint32(hdr[4:8]); got != formatVersion {
		return fmt.Errorf("%w: format version %d", ErrHeaderMismatch, got)
	}
	_ = p.instanceID.UnmarshalBinary(hdr[8 : 8+instanceIDSize])

	pos := int64(headerSize)
	var count uint64
	for pos < fileSize {
		var rh [recordHeaderSize]byte
		n, err := p.f.ReadAt(rh[:], pos)
		if err != nil || n < recordHeaderSize {
			log.Printf("diskprimary: torn record header at offset %d in %s, truncating", pos, p.f.Name())
			break
		}
		checksum := binary.LittleEndian.Uint32(rh[0:4])
		keyLen := int64(rh[4])
		valueLen := int64(binary.LittleEndian.Uint16(rh[5:7]))
		total := recordHeaderSize + keyLen + valueLen
		if pos+total > fileSize {
			log.Printf("diskprimary: torn record body at offset %d in %s, truncating", pos, p.f.Name())
			break
		}
		buf := make([]byte, keyLen+valueLen)
		if _, err := p.f.ReadAt(buf, pos+recordHeaderSize); err != nil {
			log.Printf("diskprimary: unreadable record at offset %d in %s, truncating", pos, p.f.Name())
			break
		}
		if uint32(farm.Hash64(buf[keyLen:])) != checksum {
			log.Printf("diskprimary: checksum mismatch at offset %d in %s, truncating", pos, p.f.Name())
			break
		}
		pos += total
		count++
	}

	if pos != fileSize {
		if err := p.f.Truncate(pos); err != nil {
			return fmt.Errorf("diskprimary: truncate torn tail: %w", err)
		}
	}
	p.size = pos
	p.count = count
	return nil
}

// Put appends key and value and returns the file offset to address them
// by later.
func (p *Primary) Put(key, value []byte) (uint64, error) {
	if len(key) > maxKeyLen {
		return 0, ErrKeyTooLong
	}
	if len(value) > maxValueLen {
		return 0, ErrValueTooLong
	}

	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(farm.Hash64(value)))
	hdr[4] = byte(len(key))
	binary.LittleEndian.PutUint16(hdr[5:7], uint16(len(value)))

	pos := p.size
	if _, err := p.f.WriteAt(hdr[:], pos); err != nil {
		return 0, fmt.Errorf("diskprimary: write record header: %w", err)
	}
	if _, err := p.f.WriteAt(key, pos+recordHeaderSize); err != nil {
		return 0, fmt.Errorf("diskprimary: write key: %w", err)
	}
	if _, err := p.f.WriteAt(value, pos+recordHeaderSize+int64(len(key))); err != nil {
		return 0, fmt.Errorf("diskprimary: write value: %w", err)
	}

	p.size = pos + recordHeaderSize + int64(len(key)) + int64(len(value))
	p.count++
	return uint64(pos), nil
}

func (p *Primary) readRecordAt(pos int64) (key, value []byte, err error) {
	if pos == 0 {
		return nil, nil, ErrInvalidPosition
	}
	var hdr [recordHeaderSize]byte
	if _, err := p.f.ReadAt(hdr[:], pos); err != nil {
		return nil, nil, fmt.Errorf("diskprimary: read record header at %d: %w", pos, err)
	}
	checksum := binary.LittleEndian.Uint32(hdr[0:4])
	keyLen := int64(hdr[4])
	valueLen := int64(binary.LittleEndian.Uint16(hdr[5:7]))

	buf := make([]byte, keyLen+valueLen)
	if _, err := p.f.ReadAt(buf, pos+recordHeaderSize); err != nil {
		return nil, nil, fmt.Errorf("diskprimary: read record body at %d: %w", pos, err)
	}
	key = buf[:keyLen]
	value = buf[keyLen:]
	if uint32(farm.Hash64(value)) != checksum {
		return nil, nil, ErrChecksumMismatch
	}
	return key, value, nil
}

// IndexKey returns the key stored at position.
func (p *Primary) IndexKey(position uint64) ([]byte, error) {
	key, _, err := p.readRecordAt(int64(position))
	return key, err
}

// GetKeyValue returns the key and value stored at position.
func (p *Primary) GetKeyValue(position uint64) ([]byte, []byte, error) {
	return p.readRecordAt(int64(position))
}

// InstanceID returns the random id stamped into this file's header when it
// was created, for diagnostics that want to confirm an index and primary
// file pair actually belong together.
func (p *Primary) InstanceID() uuid.UUID {
	return p.instanceID
}

// Len reports how many records have been written.
func (p *Primary) Len() uint64 {
	return p.count
}

// Flush persists the record count into the header and fsyncs the file.
func (p *Primary) Flush() error {
	if err := p.writeHeader(); err != nil {
		return err
	}
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("diskprimary: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (p *Primary) Close() error {
	if err := p.Flush(); err != nil {
		return err
	}
	return p.f.Close()
}
