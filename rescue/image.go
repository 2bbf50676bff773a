// Copyright (C) 2024 - The flash-rescue authors
// SPDX-License-Identifier: GPL-2.0-only

package rescue

import (
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
)

// ImageBlocks returns the number of blocks in an image of size bytes,
// or a *MalformedImageError if it cannot be flashed.
func ImageBlocks(size int64) (int, error) {
	if size <= 0 || size%BlockSize != 0 || size/BlockSize > MaxBlocks {
		return 0, &MalformedImageError{Size: size}
	}
	return int(size / BlockSize), nil
}

// imageSize finds the length of img and rewinds it.
func imageSize(img io.Seeker) (int64, error) {
	size, err := img.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("Seek: %w", err)
	}
	if _, err := img.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("Seek: %w", err)
	}
	return size, nil
}

// readBlock reads block n of img into buf.
func readBlock(img io.ReadSeeker, n int, buf []byte) error {
	if _, err := img.Seek(int64(n)*BlockSize, io.SeekStart); err != nil {
		return fmt.Errorf("Seek: %w", err)
	}
	if _, err := io.ReadFull(img, buf[:BlockSize]); err != nil {
		return fmt.Errorf("ReadFull block %d: %w", n, err)
	}
	return nil
}

// ImageDigest computes the BLAKE2s-256 digest of the whole image. It
// identifies the image in logs; the protocol itself only uses CRC-32.
func ImageDigest(img io.ReadSeeker) ([32]byte, error) {
	var digest [32]byte

	if _, err := img.Seek(0, io.SeekStart); err != nil {
		return digest, fmt.Errorf("Seek: %w", err)
	}
	h, err := blake2s.New256(nil)
	if err != nil {
		return digest, fmt.Errorf("blake2s.New256: %w", err)
	}
	if _, err := io.Copy(h, img); err != nil {
		return digest, fmt.Errorf("Copy: %w", err)
	}
	if _, err := img.Seek(0, io.SeekStart); err != nil {
		return digest, fmt.Errorf("Seek: %w", err)
	}

	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// FormatDigest renders md as four space separated groups of hex.
func FormatDigest(md [32]byte) string {
	digest := ""
	for j := 0; j < 4; j++ {
		for i := 0; i < 8; i++ {
			digest += fmt.Sprintf("%02x", md[i+8*j])
		}
		if j < 3 {
			digest += " "
		}
	}
	return digest
}
