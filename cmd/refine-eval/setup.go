// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import "github.com/mknyszek/refine-eval/cardq"

// A Setup is one barrier configuration under evaluation.
type Setup struct {
	Name   string
	Queues cardq.Config
}

var Setups = []Setup{
	{
		Name: "NoQueues",
	},
	{
		Name:   "NoneInline",
		Queues: cardq.Config{Enabled: true, Filter: cardq.FilterNone, Storage: cardq.StorageInline, BufferCards: 256},
	},
	{
		Name:   "YoungInline",
		Queues: cardq.Config{Enabled: true, Filter: cardq.FilterYoung, Storage: cardq.StorageInline, BufferCards: 256},
	},
	{
		Name:   "PreviousInline",
		Queues: cardq.Config{Enabled: true, Filter: cardq.FilterPrevious, Storage: cardq.StorageInline, BufferCards: 256},
	},
	{
		Name:   "NoneIndirect",
		Queues: cardq.Config{Enabled: true, Filter: cardq.FilterNone, Storage: cardq.StorageIndirect, BufferCards: 256},
	},
	{
		Name:   "YoungIndirect",
		Queues: cardq.Config{Enabled: true, Filter: cardq.FilterYoung, Storage: cardq.StorageIndirect, BufferCards: 256},
	},
	{
		Name:   "YoungDeferred",
		Queues: cardq.Config{Enabled: true, Filter: cardq.FilterYoung, Storage: cardq.StorageIndirect, DeferDirtying: true, BufferCards: 256},
	},
	{
		Name:   "PreviousDeferred",
		Queues: cardq.Config{Enabled: true, Filter: cardq.FilterPrevious, Storage: cardq.StorageIndirect, DeferDirtying: true, BufferCards: 256},
	},
}
