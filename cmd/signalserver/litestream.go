//go:build cgo

package main

import (
	_ "go.mau.fi/util/dbutil/litestream"
)
