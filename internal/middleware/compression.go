// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package middleware

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

// Compression gzips responses for clients that accept it. gzhttp skips
// small bodies and already compressed content types. Do not wrap WebSocket
// routes with it.
func Compression(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}
