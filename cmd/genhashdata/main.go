// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command genhashdata generates synthetic hash/value pairs for exercising
// or benchmarking an index, and optionally loads them straight into one.
package main

import (
	"bufio"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"

	"github.com/vmx/storethehash"
	"github.com/vmx/storethehash/internal/bytesutil"
	"github.com/vmx/storethehash/primary/diskprimary"
)

const (
	prefix    = "pref_"
	suffixLen = 16
	hmacKey   = "d259c7f656caf7f1"
)

func newRand() *rand.Rand {
	var seedBytes [8]byte
	if _, err := crand.Read(seedBytes[:]); err != nil {
		panic(err)
	}
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return rand.New(rand.NewSource(seed))
}

func main() {
	nPairs := flag.Int("n", 1000000, "number of hash/value pairs to generate")
	bucketBits := flag.Int("bucket-bits", 24, "bucket bits to use when -load-index is set")
	loadIndexPath := flag.String("load-index", "", "if set, put every pair into an index file at this path instead of printing")
	loadPrimaryPath := flag.String("load-primary", "", "primary file path to pair with -load-index")
	fromLines := flag.String("from", "", "load hexkey:value lines from this file (as produced by the default text mode) instead of generating new ones; use - for stdin")
	flag.Parse()

	if *loadIndexPath == "" {
		rng := newRand()
		h := hmac.New(sha256.New, []byte(hmacKey))
		for i := 0; i < *nPairs; i++ {
			key, value := generate(rng, h)
			fmt.Printf("%s:%s\n", hex.EncodeToString(key), value)
		}
		return
	}

	if *loadPrimaryPath == "" {
		log.Fatal("genhashdata: -load-primary is required when -load-index is set")
	}

	primary, err := diskprimary.Open(*loadPrimaryPath)
	if err != nil {
		log.Fatalf("genhashdata: open primary: %s", err)
	}
	tbl, err := storethehash.Open(*loadIndexPath, *bucketBits, primary)
	if err != nil {
		log.Fatalf("genhashdata: open index: %s", err)
	}

	var loaded int
	if *fromLines != "" {
		loaded, err = loadFromLines(tbl, *fromLines)
	} else {
		loaded, err = loadGenerated(tbl, *nPairs)
	}
	if err != nil {
		log.Fatalf("genhashdata: load: %s", err)
	}

	if err := tbl.Flush(); err != nil {
		log.Fatalf("genhashdata: flush: %s", err)
	}
	if err := tbl.Close(); err != nil {
		log.Fatalf("genhashdata: close index: %s", err)
	}
	if err := primary.Close(); err != nil {
		log.Fatalf("genhashdata: close primary: %s", err)
	}

	fmt.Fprintf(os.Stderr, "loaded %d pairs into %s / %s\n", loaded, *loadIndexPath, *loadPrimaryPath)
}

func loadGenerated(tbl *storethehash.Table, nPairs int) (int, error) {
	rng := newRand()
	h := hmac.New(sha256.New, []byte(hmacKey))
	for i := 0; i < nPairs; i++ {
		key, value := generate(rng, h)
		if err := tbl.Put(key, []byte(value)); err != nil {
			return i, fmt.Errorf("put %x: %w", key, err)
		}
	}
	return nPairs, nil
}

// loadFromLines reads "hexkey:value" lines, one pair per line, splitting
// each on the first ':' with bytesutil.Cut, and puts every pair into tbl.
func loadFromLines(tbl *storethehash.Table, path string) (int, error) {
	in := os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		in = f
	}

	var n int
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Bytes()
		hexKey, value, ok := bytesutil.Cut(line, ':')
		if !ok {
			return n, fmt.Errorf("line %d: missing ':' separator", n+1)
		}
		key := make([]byte, hex.DecodedLen(len(hexKey)))
		if _, err := hex.Decode(key, hexKey); err != nil {
			return n, fmt.Errorf("line %d: decode hex key: %w", n+1, err)
		}
		if err := tbl.Put(key, append([]byte(nil), value...)); err != nil {
			return n, fmt.Errorf("line %d: put: %w", n+1, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("scan: %w", err)
	}
	return n, nil
}

// generate returns a synthetic (hash, value) pair: value is a random
// suffix appended to prefix, and key is its SHA-256 HMAC.
func generate(rng *rand.Rand, h hmacHasher) ([]byte, string) {
	var buf [suffixLen / 2]byte
	if _, err := rng.Read(buf[:]); err != nil {
		panic(err)
	}
	value := fmt.Sprintf("%s%x", prefix, buf)
	h.Reset()
	h.Write([]byte(value))
	return h.Sum(nil), value
}

// hmacHasher is the subset of hash.Hash hmac.New returns that generate
// needs; declared so tests could substitute a fake without pulling in the
// concrete hmac type.
type hmacHasher interface {
	Reset()
	Write([]byte) (int, error)
	Sum([]byte) []byte
}
