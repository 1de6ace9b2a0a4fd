// Copyright 2026 The gVisor Authors.
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

package auth

import (
	"slices"

	"github.com/mohae/deepcopy"
	"gvisor.dev/rst/pkg/abi/linux"
)

// Credentials contains information required to authorize privileged
// operations.
//
// Credentials are immutable once attached to a task or file; changes are
// made to a copy obtained from Fork.
type Credentials struct {
	RealKUID      KUID
	EffectiveKUID KUID
	SavedKUID     KUID
	FSKUID        KUID

	RealKGID      KGID
	EffectiveKGID KGID
	SavedKGID     KGID
	FSKGID        KGID

	// ExtraKGIDs is the supplementary group list.
	ExtraKGIDs []KGID

	TaskCapabilities

	// KeepCapabilities is the keep-caps securebit.
	KeepCapabilities bool

	// Securebits holds the remaining securebits.
	Securebits uint32
}

// NewRootCredentials returns credentials with all capabilities held by the
// superuser.
func NewRootCredentials() *Credentials {
	return &Credentials{
		TaskCapabilities: TaskCapabilities{
			PermittedCaps: AllCapabilities,
			EffectiveCaps: AllCapabilities,
		},
	}
}

// NewUserCredentials returns credentials for kuid/kgid with no capabilities.
func NewUserCredentials(kuid KUID, kgid KGID, extra []KGID) *Credentials {
	return &Credentials{
		RealKUID:      kuid,
		EffectiveKUID: kuid,
		SavedKUID:     kuid,
		FSKUID:        kuid,
		RealKGID:      kgid,
		EffectiveKGID: kgid,
		SavedKGID:     kgid,
		FSKGID:        kgid,
		ExtraKGIDs:    slices.Clone(extra),
	}
}

// Fork generates an identical copy of a set of credentials.
func (c *Credentials) Fork() *Credentials {
	return deepcopy.Copy(c).(*Credentials)
}

// InGroup returns true if c is in group kgid. Compare Linux's
// kernel/groups.c:in_group_p().
func (c *Credentials) InGroup(kgid KGID) bool {
	if c.EffectiveKGID == kgid {
		return true
	}
	return slices.Contains(c.ExtraKGIDs, kgid)
}

// HasCapability returns true if c has capability cp in its effective set.
func (c *Credentials) HasCapability(cp linux.Capability) bool {
	return c.EffectiveCaps.Has(cp)
}

// Equal returns true if c and o hold the same IDs and capabilities.
func (c *Credentials) Equal(o *Credentials) bool {
	return c.RealKUID == o.RealKUID && c.EffectiveKUID == o.EffectiveKUID &&
		c.SavedKUID == o.SavedKUID && c.FSKUID == o.FSKUID &&
		c.RealKGID == o.RealKGID && c.EffectiveKGID == o.EffectiveKGID &&
		c.SavedKGID == o.SavedKGID && c.FSKGID == o.FSKGID &&
		slices.Equal(c.ExtraKGIDs, o.ExtraKGIDs) &&
		c.TaskCapabilities == o.TaskCapabilities &&
		c.KeepCapabilities == o.KeepCapabilities && c.Securebits == o.Securebits
}
