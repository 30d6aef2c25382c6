// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !(debug || memcheckdebug)

// Package debug traces instrumentation decisions when built with the debug
// or memcheckdebug tag.
package debug

const Enabled = false

var Depth int

func Printf(format string, args ...interface{}) {}
func Enter(format string, args ...interface{})  {}
func Leave()                                    {}
