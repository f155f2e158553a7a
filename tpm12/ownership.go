// Copyright (c) 2024, the go-tpmupd authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tpm12

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"math/big"

	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// oaepLabel is the label used for OAEP encryption of the owner and SRK
// secrets during TakeOwnership.
var oaepLabel = []byte{'T', 'C', 'P', 'A'}

// WellKnownAuth is the all-zero authorization digest for entities that
// carry no real secret, such as the SRK installed by the updater.
var WellKnownAuth [20]byte

// publicKeyOf extracts the RSA public key from a pubKey structure.
func publicKeyOf(pk *pubKey) (*rsa.PublicKey, error) {
	if pk.AlgorithmParms.AlgID != algRSA {
		return nil, fmt.Errorf("tpm12: unexpected endorsement key algorithm 0x%x", pk.AlgorithmParms.AlgID)
	}

	var parms rsaKeyParms
	if _, err := tpmutil.Unpack(pk.AlgorithmParms.Parms, &parms); err != nil {
		return nil, err
	}

	e := 65537
	if len(parms.Exponent) > 0 {
		e = int(new(big.Int).SetBytes(parms.Exponent).Int64())
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(pk.Key),
		E: e,
	}, nil
}

// srkTemplate builds the TPM_KEY template for the storage root key created
// during TakeOwnership: a 2048-bit RSA storage key with the well-known
// authorization.
func srkTemplate() (*key, error) {
	parms, err := tpmutil.Pack(rsaKeyParms{
		KeyLength: 2048,
		NumPrimes: 2,
	})
	if err != nil {
		return nil, err
	}
	return &key{
		Version:       0x01010000,
		KeyUsage:      keyUsageStorage,
		AuthDataUsage: authAlways,
		AlgorithmParms: keyParms{
			AlgID:     algRSA,
			EncScheme: esRSAEsOAEPSHA1MGF1,
			SigScheme: ssNone,
			Parms:     parms,
		},
	}, nil
}

// TakeOwnership installs an owner on an unowned device. ownerAuth is the
// authorization digest of the new owner secret; the SRK is created with the
// well-known authorization so later flows need no extra secret. The owner
// and SRK secrets travel encrypted under the public endorsement key.
func TakeOwnership(t tpmutil.Transmitter, ownerAuth [20]byte) error {
	pubEK, err := ReadPubEK(t)
	if err != nil {
		return err
	}
	ek, err := publicKeyOf(pubEK)
	if err != nil {
		return err
	}

	encOwnerAuth, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, ek, ownerAuth[:], oaepLabel)
	if err != nil {
		return fmt.Errorf("tpm12: encrypting owner auth: %w", err)
	}
	encSRKAuth, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, ek, WellKnownAuth[:], oaepLabel)
	if err != nil {
		return fmt.Errorf("tpm12: encrypting SRK auth: %w", err)
	}

	srk, err := srkTemplate()
	if err != nil {
		return err
	}

	osess, err := oiap(t)
	if err != nil {
		return err
	}
	defer osess.Close(t)

	// The HMAC of TakeOwnership is keyed with the new owner auth itself.
	ca, err := newCommandAuth(osess.AuthHandle, osess.NonceEven, ownerAuth[:],
		ordTakeOwnership, pidOwner, tpmutil.U32Bytes(encOwnerAuth), tpmutil.U32Bytes(encSRKAuth), srk)
	if err != nil {
		return err
	}

	body, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUAuth1Command, ordTakeOwnership,
		pidOwner, tpmutil.U32Bytes(encOwnerAuth), tpmutil.U32Bytes(encSRKAuth), srk, ca)
	if err := decodeResponse(rc, err); err != nil {
		return err
	}

	var srkPub key
	var ra responseAuth
	if _, err := tpmutil.Unpack(body, &srkPub, &ra); err != nil {
		return err
	}
	return ra.verify(ca.NonceOdd, ownerAuth[:], uint32(tpmutil.RCSuccess), ordTakeOwnership, srkPub)
}

// OwnerClear removes the owner installed by TakeOwnership and invalidates
// the SRK with it. The command is authorized through an OSAP session bound
// to the owner, so the owner auth itself never keys an HMAC on the wire.
func OwnerClear(t tpmutil.Transmitter, ownerAuth [20]byte) error {
	sharedSecret, osapr, err := newOSAPSession(t, etOwner, khOwner, ownerAuth[:])
	if err != nil {
		return err
	}
	defer osapr.Close(t)
	defer zeroBytes(sharedSecret[:])

	ca, err := newCommandAuth(osapr.AuthHandle, osapr.NonceEven, sharedSecret[:], ordOwnerClear)
	if err != nil {
		return err
	}

	body, rc, err := tpmutil.RunCommand(t, commandTimeout, tagRQUAuth1Command, ordOwnerClear, ca)
	if err := decodeResponse(rc, err); err != nil {
		return err
	}

	var ra responseAuth
	if _, err := tpmutil.Unpack(body, &ra); err != nil {
		return err
	}
	return ra.verify(ca.NonceOdd, sharedSecret[:], uint32(tpmutil.RCSuccess), ordOwnerClear)
}
