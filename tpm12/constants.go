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

import "github.com/trustedcomputing/go-tpmupd/tpmutil"

// Command and response tags.
const (
	tagRQUCommand      tpmutil.Tag = 0x00C1
	tagRQUAuth1Command tpmutil.Tag = 0x00C2
	tagRQUAuth2Command tpmutil.Tag = 0x00C3
	tagRSPCommand      tpmutil.Tag = 0x00C4
	tagRSPAuth1Command tpmutil.Tag = 0x00C5
	tagRSPAuth2Command tpmutil.Tag = 0x00C6
)

// Ordinals used by the update flows.
const (
	ordOIAP             tpmutil.Command = 0x0000000A
	ordOSAP             tpmutil.Command = 0x0000000B
	ordTakeOwnership    tpmutil.Command = 0x0000000D
	ordSetCapability    tpmutil.Command = 0x0000003F
	ordSelfTestFull     tpmutil.Command = 0x00000050
	ordContinueSelfTest tpmutil.Command = 0x00000053
	ordGetTestResult    tpmutil.Command = 0x00000054
	ordOwnerClear       tpmutil.Command = 0x0000005B
	ordGetCapability    tpmutil.Command = 0x00000065
	ordReadPubEK        tpmutil.Command = 0x0000007C
	ordTerminateHandle  tpmutil.Command = 0x00000096
	ordFieldUpgrade     tpmutil.Command = 0x000000AA

	// TSC connection ordinals live in their own numbering space.
	ordTSCPhysicalPresence tpmutil.Command = 0x4000000A
)

// Capability areas and sub-capabilities for GetCapability.
const (
	capProperty   uint32 = 0x00000005
	capVersionVal uint32 = 0x0000001A
	capMfr        uint32 = 0x00000026

	subCapPropOwner uint32 = 0x00000111

	// Vendor sub-capability reporting whether the deferred physical
	// presence bit of STCLEAR_DATA is set.
	subCapMfrDeferredPP uint32 = 0x00000020
)

// SetCapability areas and sub-capabilities.
const (
	setCapSTClearData   uint32 = 0x00000004
	subCapDeferredPPBit uint32 = 0x00000006
)

// TSC_PhysicalPresence flag values.
const (
	PhysicalPresenceCmdEnable    uint16 = 0x0020
	PhysicalPresenceHWEnable     uint16 = 0x0040
	PhysicalPresenceLifetimeLock uint16 = 0x0080
	PhysicalPresencePresent      uint16 = 0x0008
	PhysicalPresenceNotPresent   uint16 = 0x0010
	PhysicalPresenceLock         uint16 = 0x0004
)

// Entity types for OSAP.
const (
	etKeyHandle uint16 = 0x0001
	etOwner     uint16 = 0x0002
	etSRK       uint16 = 0x0004
)

// Well-known handles.
const (
	khSRK   tpmutil.Handle = 0x40000000
	khOwner tpmutil.Handle = 0x40000001
	khEK    tpmutil.Handle = 0x40000006
)

// Protocol IDs.
const pidOwner uint16 = 0x0005

// Key and crypto parameters used by the take-ownership SRK template.
const (
	algRSA              uint32 = 0x00000001
	esRSAEsOAEPSHA1MGF1 uint16 = 0x0003
	ssNone              uint16 = 0x0001
	keyUsageStorage     uint16 = 0x0011
	authAlways          byte   = 0x01
)

// Vendor field-upgrade subcommands carried inside TPM_FieldUpgrade
// (ordinal 0xAA). The ordinal is defined by the TPM 1.2 specification; the
// subcommand layout is manufacturer specific. The boot loader accepts the
// same framing, which is what makes resume possible mid-update.
const (
	fuSubCmdInfoRequest uint16 = 0x0001
	fuSubCmdStart       uint16 = 0x0034
	fuSubCmdUpdate      uint16 = 0x0035
	fuSubCmdComplete    uint16 = 0x0036
)

// digestSize is the size of a SHA-1 digest, the only hash TPM 1.2 knows.
const digestSize = 20

// VendorIDInfineon is the manufacturer identity expected by the updater,
// the big-endian rendering of "IFX\0".
const VendorIDInfineon uint32 = 0x49465800
