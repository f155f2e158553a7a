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

package tpm20

import "github.com/trustedcomputing/go-tpmupd/tpmutil"

// Structure tags.
const (
	tagNoSessions tpmutil.Tag = 0x8001
	tagSessions   tpmutil.Tag = 0x8002
)

// Command codes used by the update flows.
const (
	ccHierarchyChangeAuth tpmutil.Command = 0x00000129
	ccFieldUpgradeStart   tpmutil.Command = 0x0000012F
	ccFieldUpgradeData    tpmutil.Command = 0x00000141
	ccSelfTest            tpmutil.Command = 0x00000143
	ccStartup             tpmutil.Command = 0x00000144
	ccShutdown            tpmutil.Command = 0x00000145
	ccPolicySecret        tpmutil.Command = 0x00000151
	ccFlushContext        tpmutil.Command = 0x00000165
	ccPolicyCommandCode   tpmutil.Command = 0x0000016C
	ccStartAuthSession    tpmutil.Command = 0x00000176
	ccGetCapability       tpmutil.Command = 0x0000017A
	ccGetTestResult       tpmutil.Command = 0x0000017C

	// Infineon vendor window.
	ccFieldUpgradeAbandon tpmutil.Command = 0x2000012F
)

// Reserved handles.
const (
	HandleOwner       tpmutil.Handle = 0x40000001
	HandlePW          tpmutil.Handle = 0x40000009
	HandleEndorsement tpmutil.Handle = 0x4000000B
	HandlePlatform    tpmutil.Handle = 0x4000000C
	HandleNull        tpmutil.Handle = 0x40000007
)

// Startup and shutdown types.
const (
	StartupClear uint16 = 0x0000
	StartupState uint16 = 0x0001
)

// Session types for StartAuthSession.
const (
	seHMAC   uint8 = 0x00
	sePolicy uint8 = 0x01
)

// Algorithm identifiers.
const (
	algSHA1   uint16 = 0x0004
	algNull   uint16 = 0x0010
	algSHA256 uint16 = 0x000B
)

// Session attribute bits.
const attrContinueSession byte = 0x01

// Capability areas.
const capTPMProperties uint32 = 0x00000006

// Fixed and variable property tags for the TPM-properties capability.
const (
	ptManufacturer     uint32 = 0x00000105
	ptVendorString1    uint32 = 0x00000106
	ptVendorString2    uint32 = 0x00000107
	ptVendorString3    uint32 = 0x00000108
	ptVendorString4    uint32 = 0x00000109
	ptVendorTPMType    uint32 = 0x0000010A
	ptFirmwareVersion1 uint32 = 0x0000010B
	ptFirmwareVersion2 uint32 = 0x0000010C
	ptPermanent        uint32 = 0x00000200
	ptStartupClear     uint32 = 0x00000201
)

// TPMA_PERMANENT attribute bits.
const (
	paOwnerAuthSet       uint32 = 0x00000001
	paEndorsementAuthSet uint32 = 0x00000002
	paLockoutAuthSet     uint32 = 0x00000004
	paInLockout          uint32 = 0x00000200
)

// VendorIDInfineon is the manufacturer property value of an Infineon part,
// the big-endian rendering of "IFX\0".
const VendorIDInfineon uint32 = 0x49465800
