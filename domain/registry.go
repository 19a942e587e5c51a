//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

// AppID identifies a registered app; zero is reserved and never handed
// out by Register.
type AppID uint64

// AppType discriminates the per-app fields an AppDescriptor carries.
// Flattened from a tagged union into a single struct with a
// discriminator, the same shape WasiRights' bitmask neighbors use
// rather than one Go type per variant.
type AppType int

const (
	AppTypeNative AppType = iota
	AppTypeWasm
	AppTypeWeb
)

// AppDescriptor is one registered app's persisted metadata. Scope and
// OfflineCapable only apply to AppTypeWeb; WasiVersion only to
// AppTypeWasm; both are left zero-valued otherwise. IconData is
// intentionally not part of this struct: it is re-read from
// InstallPath/icon.png on demand rather than round-tripped through the
// registry document (spec.md §6, R2).
type AppDescriptor struct {
	ID             AppID
	Type           AppType
	Name           string
	InstallPath    string
	EntryPoint     string
	InstalledAt    uint64
	LastLaunched   uint64
	Scope          string
	OfflineCapable bool
	WasiVersion    string
}

// RegistryServiceIface is the persistence boundary spec.md §5/§6
// describes: a mutex-guarded table of installed apps, durable at
// /system/apps/registry.json through the C5 VFS.
type RegistryServiceIface interface {
	Setup(vfs VfsServiceIface)

	Register(desc AppDescriptor) (AppID, error)
	Unregister(id AppID) error
	Get(id AppID) (AppDescriptor, bool)
	List() []AppDescriptor
	FindByName(name string) (AppDescriptor, bool)
	Count() int

	Save() error
	Load() error
}
