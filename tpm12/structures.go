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
	"fmt"

	"github.com/trustedcomputing/go-tpmupd/tpmutil"
)

// A nonce is a 20-byte rolling nonce from the authorization protocols.
type nonce [20]byte

// An authValue is a 20-byte authorization digest, usually SHA-1 of a secret.
type authValue [20]byte

// An oiapResponse is a response to an OIAP command.
type oiapResponse struct {
	AuthHandle tpmutil.Handle
	NonceEven  nonce
}

func (opr oiapResponse) String() string {
	return fmt.Sprintf("oiapResponse{AuthHandle: %x, NonceEven: % x}", opr.AuthHandle, opr.NonceEven)
}

// Close terminates the auth handle associated with an OIAP session.
func (opr *oiapResponse) Close(t tpmutil.Transmitter) error {
	return terminateHandle(t, opr.AuthHandle)
}

// An osapCommand is a command sent for OSAP authentication.
type osapCommand struct {
	EntityType  uint16
	EntityValue tpmutil.Handle
	OddOSAP     nonce
}

func (opc osapCommand) String() string {
	return fmt.Sprintf("osapCommand{EntityType: %x, EntityValue: %x, OddOSAP: % x}", opc.EntityType, opc.EntityValue, opc.OddOSAP)
}

// An osapResponse is a reply to an osapCommand.
type osapResponse struct {
	AuthHandle tpmutil.Handle
	NonceEven  nonce
	EvenOSAP   nonce
}

func (opr osapResponse) String() string {
	return fmt.Sprintf("osapResponse{AuthHandle: %x, NonceEven: % x, EvenOSAP: % x}", opr.AuthHandle, opr.NonceEven, opr.EvenOSAP)
}

// Close terminates the auth handle associated with an OSAP session.
func (opr *osapResponse) Close(t tpmutil.Transmitter) error {
	return terminateHandle(t, opr.AuthHandle)
}

// A commandAuth is the authorization trailer appended to authorized
// commands. Unlike the 2.0 auth area it carries no size prefix.
type commandAuth struct {
	AuthHandle  tpmutil.Handle
	NonceOdd    nonce
	ContSession byte
	Auth        authValue
}

func (ca commandAuth) String() string {
	return fmt.Sprintf("commandAuth{AuthHandle: %x, NonceOdd: % x, ContSession: %x, Auth: % x}", ca.AuthHandle, ca.NonceOdd, ca.ContSession, ca.Auth)
}

// A responseAuth is the authorization trailer on a response to an
// authorized command.
type responseAuth struct {
	NonceEven   nonce
	ContSession byte
	Auth        authValue
}

func (ra responseAuth) String() string {
	return fmt.Sprintf("responseAuth{NonceEven: % x, ContSession: %x, Auth: % x}", ra.NonceEven, ra.ContSession, ra.Auth)
}

// keyParms describes the algorithm of a key. Parms is a serialized
// rsaKeyParms for RSA keys.
type keyParms struct {
	AlgID     uint32
	EncScheme uint16
	SigScheme uint16
	Parms     tpmutil.U32Bytes
}

type rsaKeyParms struct {
	KeyLength uint32
	NumPrimes uint32
	Exponent  tpmutil.U32Bytes
}

// A key is the TPM_KEY representation used for the SRK template in
// TakeOwnership.
type key struct {
	Version        uint32
	KeyUsage       uint16
	KeyFlags       uint32
	AuthDataUsage  byte
	AlgorithmParms keyParms
	PCRInfo        tpmutil.U32Bytes
	PubKey         tpmutil.U32Bytes
	EncData        tpmutil.U32Bytes
}

// A pubKey is a public key read from the TPM, such as the endorsement key
// returned by ReadPubEK.
type pubKey struct {
	AlgorithmParms keyParms
	Key            tpmutil.U32Bytes
}

// A Version identifies a firmware revision as major.minor.revMajor.revMinor.
type Version struct {
	Major    uint8
	Minor    uint8
	RevMajor uint8
	RevMinor uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.RevMajor, v.RevMinor)
}

// A CapVersionInfo is the TPM_CAP_VERSION_INFO structure returned for the
// version-value capability.
type CapVersionInfo struct {
	Tag            uint16
	Version        Version
	SpecLevel      uint16
	ErrataRev      uint8
	VendorID       uint32
	VendorSpecific tpmutil.U16Bytes
}
