// Copyright 2024 The relayq authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/relayq/relayq/internal/base"
)

// compressPayload applies the gzip transform to a payload on the producer side.
func compressPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// reverseTransform undoes the producer-side transform named in the record
// headers, returning the payload the Handler should see. A record without a
// transform header passes through unchanged; an unknown transform name is an
// error so a corrupted header never delivers garbage to the Handler.
func reverseTransform(headers map[string]string, payload []byte) ([]byte, error) {
	name, ok := headers[base.TransformHeader]
	if !ok || name == "" {
		return payload, nil
	}
	switch name {
	case base.TransformGzip:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gzip transform: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip transform: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown payload transform %q", name)
}
