// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build debug || memcheckdebug

package debug

import (
	"fmt"
	"os"
	"strings"
)

const Enabled = true

var Depth int

// Printf writes a line indented by Depth.
func Printf(format string, args ...interface{}) {
	if Depth < 0 {
		panic("negative debug depth")
	}

	fmt.Fprintf(os.Stderr, "%s%s\n", strings.Repeat("  ", Depth), fmt.Sprintf(format, args...))
}

// Enter prints a heading and indents the lines until Leave.
func Enter(format string, args ...interface{}) {
	Printf(format, args...)
	Depth++
}

func Leave() {
	Depth--
}
