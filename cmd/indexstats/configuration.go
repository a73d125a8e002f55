// Copyright 2024 The storethehash Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

// Configuration is read by goconfig from flags and environment variables;
// see its Usage tags for what each knob does.
type Configuration struct {
	IndexPath  string `usage:"path to the index file to inspect"`
	BucketBits int    `usage:"bucket bits the index file was created with"`
	AsJSON     bool   `usage:"print stats as JSON instead of a table"`
}

// Default returns the Configuration goconfig.Read starts from before
// applying flags and environment variables on top.
func Default() Configuration {
	return Configuration{
		BucketBits: 24,
	}
}
