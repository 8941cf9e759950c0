// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package value

// GCHeader is embedded in every collectable object (Table, Closure,
// Userdata, long String, Thread) so an external collector can track
// tri-color mark state and the intrusive all-objects sweep list without
// a side-table keyed by pointer identity.
//
// The value package itself never reads these fields; they are exported
// purely as the collector's storage.
type GCHeader struct {
	Color byte  // collector-defined: White0/White1/Gray/Black
	Next  GCObj // intrusive singly-linked all-objects list
}

// GCObj is the minimal interface the collector needs to walk every
// allocated object and each object's header, regardless of concrete type.
type GCObj interface {
	Header() *GCHeader
}

func (t *Table) Header() *GCHeader    { return &t.GC }
func (c *Closure) Header() *GCHeader  { return &c.GC }
func (u *Userdata) Header() *GCHeader { return &u.GC }
func (s *String) Header() *GCHeader   { return &s.GC }
func (t *Thread) Header() *GCHeader   { return &t.GC }
