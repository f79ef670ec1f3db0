// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the aggregator service.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► reuse or generate X-Request-ID, echo it on the response
//	   │
//	   ▼
//	CORS ──► Access-Control-Allow-Origin: *, answer OPTIONS preflight
//	   │
//	   ▼
//	Handler (retrieves the ID via GetRequestID)
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader is the header carrying the request ID.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength bounds a client-supplied ID.
const maxRequestIDLength = 128

// requestIDKey is the gin context key for the request ID.
const requestIDKey = "murmurmap_request_id"

// RequestID assigns every request an ID.
//
// A client-supplied X-Request-ID is reused when it is non-empty and at most
// 128 bytes; otherwise a new UUID is generated. The ID is echoed on the
// response and stored in the gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the ID stored by RequestID, or "" if none.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
