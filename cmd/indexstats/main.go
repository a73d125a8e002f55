// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command indexstats reports bucket occupancy statistics for an index
// file: how many buckets are empty, and the distribution of record-list
// lengths across the ones that aren't.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/fulldump/goconfig"

	"github.com/vmx/storethehash/indexfile"
)

// unusedPrimary satisfies indexfile.Primary without ever being called: the
// stats this command reports come entirely from bucket occupancy and
// record-list lengths, neither of which needs a key or value back from a
// primary store.
type unusedPrimary struct{}

func (unusedPrimary) IndexKey(uint64) ([]byte, error) {
	return nil, fmt.Errorf("indexstats: unexpected primary lookup")
}

func (unusedPrimary) GetKeyValue(uint64) ([]byte, []byte, error) {
	return nil, nil, fmt.Errorf("indexstats: unexpected primary lookup")
}

type stats struct {
	BucketCount      int    `json:"bucket_count"`
	NonEmptyBuckets  int    `json:"non_empty_buckets"`
	MinRecordListLen int    `json:"min_record_list_len"`
	MaxRecordListLen int    `json:"max_record_list_len"`
	TotalEntries     int    `json:"total_entries"`
	DeepestBucket    uint32 `json:"deepest_bucket"`
}

func main() {
	c := Default()
	goconfig.Read(&c)

	if c.IndexPath == "" {
		log.Fatal("indexstats: -IndexPath is required")
	}

	idx, err := indexfile.Open(c.IndexPath, c.BucketBits, unusedPrimary{})
	if err != nil {
		log.Fatalf("indexstats: open %s: %s", c.IndexPath, err)
	}
	defer idx.Close()

	s := stats{BucketCount: 1 << uint(c.BucketBits)}
	for _, e := range idx.Entries() {
		n, err := idx.RecordListLen(e.Offset)
		if err != nil {
			log.Fatalf("indexstats: decode bucket %d: %s", e.Bucket, err)
		}
		s.NonEmptyBuckets++
		s.TotalEntries += n
		if s.MinRecordListLen == 0 || n < s.MinRecordListLen {
			s.MinRecordListLen = n
		}
		if n > s.MaxRecordListLen {
			s.MaxRecordListLen = n
			s.DeepestBucket = e.Bucket
		}
	}

	if c.AsJSON {
		e := json.NewEncoder(os.Stdout)
		e.SetIndent("", "  ")
		if err := e.Encode(s); err != nil {
			log.Fatalf("indexstats: encode: %s", err)
		}
		return
	}

	fmt.Printf("buckets:            %d\n", s.BucketCount)
	fmt.Printf("non-empty buckets:  %d\n", s.NonEmptyBuckets)
	fmt.Printf("total entries:      %d\n", s.TotalEntries)
	fmt.Printf("min record list:    %d\n", s.MinRecordListLen)
	fmt.Printf("max record list:    %d (bucket %d)\n", s.MaxRecordListLen, s.DeepestBucket)
}
