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

package registry

import (
	"strconv"
	"testing"

	"github.com/nestybox/kernelcore/domain"
	"github.com/nestybox/kernelcore/internal/vfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	v := vfs.NewVfsService()
	v.Setup()
	require.NoError(t, v.Mount("/", vfs.NewHostFs(afero.NewMemMapFs(), "/", false)))

	s := NewService()
	s.Setup(v)
	return s
}

func webDescriptor(name, scope string) domain.AppDescriptor {
	return domain.AppDescriptor{
		Type:           domain.AppTypeWeb,
		Name:           name,
		EntryPoint:     scope,
		Scope:          scope,
		OfflineCapable: true,
	}
}

func TestRegisterAndGet(t *testing.T) {
	s := newService(t)
	id, err := s.Register(webDescriptor("KPIO Notes", "https://notes.kpio/"))
	require.NoError(t, err)

	desc, found := s.Get(id)
	require.True(t, found)
	assert.Equal(t, "KPIO Notes", desc.Name)
	assert.Equal(t, id, desc.ID)
	assert.Equal(t, "/apps/data/1/", desc.InstallPath)
}

func TestRegisterDuplicateNameRejected(t *testing.T) {
	s := newService(t)
	_, err := s.Register(webDescriptor("Notes", "/notes"))
	require.NoError(t, err)

	_, err = s.Register(domain.AppDescriptor{Type: domain.AppTypeNative, Name: "Notes", EntryPoint: "/notes2"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterDuplicateScopeRejected(t *testing.T) {
	s := newService(t)
	_, err := s.Register(webDescriptor("App1", "https://app.com/"))
	require.NoError(t, err)

	_, err = s.Register(webDescriptor("App2", "https://app.com/"))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterResourceExhausted(t *testing.T) {
	s := newService(t)
	for i := 0; i < maxApps; i++ {
		_, err := s.Register(domain.AppDescriptor{Type: domain.AppTypeNative, Name: "app" + strconv.Itoa(i)})
		require.NoError(t, err)
	}
	_, err := s.Register(domain.AppDescriptor{Type: domain.AppTypeNative, Name: "overflow"})
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestUnregister(t *testing.T) {
	s := newService(t)
	id, err := s.Register(webDescriptor("X", "/x"))
	require.NoError(t, err)

	require.NoError(t, s.Unregister(id))
	_, found := s.Get(id)
	assert.False(t, found)
}

func TestUnregisterNotFound(t *testing.T) {
	s := newService(t)
	assert.ErrorIs(t, s.Unregister(domain.AppID(999)), ErrNotFound)
}

func TestListAndCount(t *testing.T) {
	s := newService(t)
	assert.Equal(t, 0, s.Count())

	_, err := s.Register(domain.AppDescriptor{Type: domain.AppTypeNative, Name: "A"})
	require.NoError(t, err)
	_, err = s.Register(domain.AppDescriptor{Type: domain.AppTypeNative, Name: "B"})
	require.NoError(t, err)

	assert.Equal(t, 2, s.Count())
	assert.Len(t, s.List(), 2)
}

func TestFindByNameIsCaseSensitive(t *testing.T) {
	s := newService(t)
	_, err := s.Register(domain.AppDescriptor{Type: domain.AppTypeNative, Name: "Calc"})
	require.NoError(t, err)

	_, found := s.FindByName("Calc")
	assert.True(t, found)
	_, found = s.FindByName("calc")
	assert.False(t, found)
	_, found = s.FindByName("NotExist")
	assert.False(t, found)
}

func TestAutoIncrementIDs(t *testing.T) {
	s := newService(t)
	id1, err := s.Register(domain.AppDescriptor{Type: domain.AppTypeNative, Name: "A"})
	require.NoError(t, err)
	id2, err := s.Register(domain.AppDescriptor{Type: domain.AppTypeNative, Name: "B"})
	require.NoError(t, err)

	assert.Equal(t, id1+1, id2)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := newService(t)
	_, err := s.Register(webDescriptor("Notes", "https://notes.kpio/"))
	require.NoError(t, err)
	_, err = s.Register(domain.AppDescriptor{
		Type:        domain.AppTypeWasm,
		Name:        "Calc",
		EntryPoint:  "/apps/calc/app.wasm",
		WasiVersion: "preview2",
	})
	require.NoError(t, err)

	require.NoError(t, s.Save())

	loaded := newServiceSharingVFS(t, s)
	require.NoError(t, loaded.Load())

	assert.Equal(t, 2, loaded.Count())
	notes, found := loaded.FindByName("Notes")
	require.True(t, found)
	assert.True(t, notes.OfflineCapable)
	assert.Equal(t, domain.AppTypeWeb, notes.Type)

	calc, found := loaded.FindByName("Calc")
	require.True(t, found)
	assert.Equal(t, "preview2", calc.WasiVersion)
}

func TestLoadMissingFileIsFirstBootNotError(t *testing.T) {
	s := newService(t)
	assert.NoError(t, s.Load())
	assert.Equal(t, 0, s.Count())
}

func TestEscapeJSONHandlesControlCharacters(t *testing.T) {
	assert.Equal(t, `say \"hi\"\n\t\\done`, escapeJSON("say \"hi\"\n\t\\done"))
}

// newServiceSharingVFS builds a second Service instance backed by the
// same mounted filesystem as s, so a Save from one and a Load from the
// other exercise the real persisted document instead of in-memory state.
func newServiceSharingVFS(t *testing.T, s *Service) *Service {
	t.Helper()
	fresh := NewService()
	fresh.Setup(s.vfs)
	return fresh
}
