// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HeaderNameXAutonSign is the header a caller must set to
// hex(hmac_sha256(secret, body)) when the target endpoint has a secret
// configured (SPEC_FULL.md §12), mirroring job_exec.go's
// "X-Karajo-Sign" webhook authentication. Not present as a standalone
// library in the example pack — crypto/hmac+crypto/sha256 is the
// stdlib-appropriate choice here, matching the teacher's own use of
// crypto/hmac in job_exec.go's authHmacSha256.
const HeaderNameXAutonSign = `X-Auton-Sign`

// Sign returns the hex-encoded HMAC-SHA256 of payload keyed by secret.
func Sign(payload, secret []byte) string {
	var mac = hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySign checks gotSign against Sign(payload, secret) in constant
// time.
func verifySign(payload, secret []byte, gotSign string) bool {
	var want = Sign(payload, secret)
	return hmac.Equal([]byte(want), []byte(gotSign))
}
