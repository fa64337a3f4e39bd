// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package aescbc

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"maunium.net/go/keybackup/crypto/pkcs7"
)

// Encrypt encrypts the plaintext with the key and IV. The IV length must be
// equal to the AES block size. The plaintext is padded with PKCS#7 first.
func Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNoKeyProvided
	} else if len(iv) != aes.BlockSize {
		return nil, ErrIVNotBlockSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plaintext = pkcs7.Pad(append([]byte(nil), plaintext...), aes.BlockSize)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}

// Decrypt decrypts the ciphertext with the key and IV and removes the PKCS#7
// padding.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNoKeyProvided
	} else if len(iv) != aes.BlockSize {
		return nil, ErrIVNotBlockSize
	} else if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrNotMultipleBlockSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	plaintext, err = pkcs7.Unpad(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPadding, err)
	}
	return plaintext, nil
}
