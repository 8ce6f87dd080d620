// Package dtlsx protects SCTP packets as DTLS-style application records, one
// record per UDP datagram. Payloads are sealed before any per-packet IP
// options are applied, and the adaptor forwards those options to the UDP
// layer untouched.
package dtlsx

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// recordHeaderLen is the DTLS record header: type(1) version(2) epoch(2)
	// sequence(6) length(2).
	recordHeaderLen = 13

	// contentTypeApplicationData mirrors the DTLS content type for protected
	// payloads.
	contentTypeApplicationData = 23

	// recordVersion is the DTLS 1.2 wire version.
	recordVersion = 0xFEFD

	keyLen  = 16 // AES-128
	saltLen = 4  // implicit nonce prefix
	seqLen  = 8  // explicit epoch+sequence, also the GCM nonce suffix

	// maxSeq is the largest 48-bit record sequence number.
	maxSeq = 1<<48 - 1
)

var (
	// ErrRecordTooShort is returned for datagrams smaller than a record
	// header plus the AEAD tag.
	ErrRecordTooShort = errors.New("record too short")

	// ErrBadRecord is returned when authentication of a record fails.
	ErrBadRecord = errors.New("record authentication failed")

	// ErrReplay is returned for records already seen inside the anti-replay
	// window.
	ErrReplay = errors.New("replayed record")

	// ErrSequenceExhausted is returned when the 48-bit send sequence space is
	// spent; the session must be torn down and renegotiated.
	ErrSequenceExhausted = errors.New("record sequence space exhausted")
)

// Role selects which half of the key schedule a peer writes with.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// keySchedule holds one direction's AEAD and its implicit nonce salt.
type keySchedule struct {
	aead cipher.AEAD
	salt [saltLen]byte
}

// deriveKeys expands the session master secret into client-write and
// server-write key material with HKDF-SHA256, bound to the session id.
func deriveKeys(masterSecret []byte, sessionID string) (client, server keySchedule, err error) {
	if len(masterSecret) < keyLen {
		return client, server, fmt.Errorf("master secret too short: %d bytes", len(masterSecret))
	}
	r := hkdf.New(sha256.New, masterSecret, []byte("netpoke datagram record"), []byte(sessionID))

	var material [2 * (keyLen + saltLen)]byte
	if _, err := io.ReadFull(r, material[:]); err != nil {
		return client, server, fmt.Errorf("derive record keys: %w", err)
	}

	mk := func(key, salt []byte) (keySchedule, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return keySchedule{}, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return keySchedule{}, err
		}
		var ks keySchedule
		ks.aead = aead
		copy(ks.salt[:], salt)
		return ks, nil
	}

	client, err = mk(material[0:keyLen], material[2*keyLen:2*keyLen+saltLen])
	if err != nil {
		return client, server, err
	}
	server, err = mk(material[keyLen:2*keyLen], material[2*keyLen+saltLen:])
	if err != nil {
		return client, server, err
	}
	return client, server, nil
}

// nonce builds the 12-byte GCM nonce: 4-byte salt || 8-byte epoch+sequence.
func (ks *keySchedule) nonce(epochSeq [seqLen]byte) []byte {
	n := make([]byte, saltLen+seqLen)
	copy(n, ks.salt[:])
	copy(n[saltLen:], epochSeq[:])
	return n
}

// seal protects payload into a full record. The header doubles as the AEAD
// additional data so tampering with epoch/seq/length is detected.
func (ks *keySchedule) seal(epoch uint16, seq uint64, payload []byte) []byte {
	var es [seqLen]byte
	binary.BigEndian.PutUint16(es[0:2], epoch)
	putUint48(es[2:8], seq)

	rec := make([]byte, recordHeaderLen, recordHeaderLen+len(payload)+ks.aead.Overhead())
	rec[0] = contentTypeApplicationData
	binary.BigEndian.PutUint16(rec[1:3], recordVersion)
	copy(rec[3:11], es[:])
	binary.BigEndian.PutUint16(rec[11:13], uint16(len(payload)+ks.aead.Overhead()))

	return ks.aead.Seal(rec, ks.nonce(es), payload, rec[:recordHeaderLen])
}

// open authenticates and decrypts a record, returning epoch, sequence and the
// plaintext.
func (ks *keySchedule) open(rec []byte) (uint16, uint64, []byte, error) {
	if len(rec) < recordHeaderLen+ks.aead.Overhead() {
		return 0, 0, nil, ErrRecordTooShort
	}
	if rec[0] != contentTypeApplicationData || binary.BigEndian.Uint16(rec[1:3]) != recordVersion {
		return 0, 0, nil, ErrBadRecord
	}

	var es [seqLen]byte
	copy(es[:], rec[3:11])
	epoch := binary.BigEndian.Uint16(es[0:2])
	seq := uint48(es[2:8])

	declared := int(binary.BigEndian.Uint16(rec[11:13]))
	if declared != len(rec)-recordHeaderLen {
		return 0, 0, nil, ErrBadRecord
	}

	plain, err := ks.aead.Open(nil, ks.nonce(es), rec[recordHeaderLen:], rec[:recordHeaderLen])
	if err != nil {
		return 0, 0, nil, ErrBadRecord
	}
	return epoch, seq, plain, nil
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func uint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}
