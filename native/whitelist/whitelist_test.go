package whitelist

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"levlend/core/events"
	"levlend/storage"
)

type memoryRegistryState struct {
	kv map[string][]byte
}

func newMemoryRegistryState() *memoryRegistryState {
	return &memoryRegistryState{kv: make(map[string][]byte)}
}

func (m *memoryRegistryState) KVGet(key []byte, out interface{}) (bool, error) {
	encoded, ok := m.kv[string(key)]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *memoryRegistryState) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.kv[string(key)] = encoded
	return nil
}

func (m *memoryRegistryState) KVDelete(key []byte) error {
	delete(m.kv, string(key))
	return nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	vault   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	other   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	engine  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	mallory = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

func mustAllowed(t *testing.T, ok bool, err error, want bool, label string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", label, err)
	}
	if ok != want {
		t.Fatalf("%s: allowed=%v, want %v", label, ok, want)
	}
}

func TestEmptySetsAdmitEveryone(t *testing.T) {
	wl := New(newMemoryRegistryState(), admin)
	ok, err := wl.IsCallerAllowed(vault, mallory)
	mustAllowed(t, ok, err, true, "caller")
	ok, err = wl.IsUserAllowed(vault, mallory)
	mustAllowed(t, ok, err, true, "user")
}

func TestCallerAndUserSetsAreIndependent(t *testing.T) {
	wl := New(newMemoryRegistryState(), admin)
	if err := wl.AddCallerContract(admin, vault, engine); err != nil {
		t.Fatalf("add caller: %v", err)
	}
	ok, err := wl.IsCallerAllowed(vault, engine)
	mustAllowed(t, ok, err, true, "listed caller")
	ok, err = wl.IsCallerAllowed(vault, mallory)
	mustAllowed(t, ok, err, false, "unlisted caller")
	ok, err = wl.IsUserAllowed(vault, mallory)
	mustAllowed(t, ok, err, true, "user set still empty")
	ok, err = wl.IsCallerAllowed(other, mallory)
	mustAllowed(t, ok, err, true, "other vault unaffected")

	if err := wl.RemoveCallerContract(admin, vault, engine); err != nil {
		t.Fatalf("remove caller: %v", err)
	}
	ok, err = wl.IsCallerAllowed(vault, mallory)
	mustAllowed(t, ok, err, true, "emptied set reopens")
}

func TestMutationsAreIdempotent(t *testing.T) {
	emitter := &recordingEmitter{}
	wl := New(newMemoryRegistryState(), admin)
	wl.SetEmitter(emitter)

	for i := 0; i < 3; i++ {
		if err := wl.AddUser(admin, vault, alice); err != nil {
			t.Fatalf("add user: %v", err)
		}
	}
	if n, _ := wl.UserCount(vault); n != 1 {
		t.Fatalf("expected 1 user, got %d", n)
	}
	if err := wl.AddUsers(admin, vault, []common.Address{alice, bob, bob}); err != nil {
		t.Fatalf("add users: %v", err)
	}
	if n, _ := wl.UserCount(vault); n != 2 {
		t.Fatalf("expected 2 users, got %d", n)
	}
	if err := wl.RemoveUsers(admin, vault, []common.Address{alice, alice}); err != nil {
		t.Fatalf("remove users: %v", err)
	}
	if err := wl.RemoveUser(admin, vault, alice); err != nil {
		t.Fatalf("remove absent user: %v", err)
	}
	if n, _ := wl.UserCount(vault); n != 1 {
		t.Fatalf("expected 1 user, got %d", n)
	}
	if len(emitter.events) != 3 {
		t.Fatalf("expected 3 membership events, got %d", len(emitter.events))
	}
	ok, err := wl.IsUserAllowed(vault, alice)
	mustAllowed(t, ok, err, false, "removed user")
}

func TestNonAdminCannotMutate(t *testing.T) {
	wl := New(newMemoryRegistryState(), admin)
	checks := map[string]error{
		"AddCallerContract":     wl.AddCallerContract(mallory, vault, engine),
		"AddCallerContracts":    wl.AddCallerContracts(mallory, vault, []common.Address{engine}),
		"RemoveCallerContract":  wl.RemoveCallerContract(mallory, vault, engine),
		"RemoveCallerContracts": wl.RemoveCallerContracts(mallory, vault, []common.Address{engine}),
		"AddUser":               wl.AddUser(mallory, vault, mallory),
		"AddUsers":              wl.AddUsers(mallory, vault, []common.Address{mallory}),
		"RemoveUser":            wl.RemoveUser(mallory, vault, alice),
		"RemoveUsers":           wl.RemoveUsers(mallory, vault, []common.Address{alice}),
		"TransferAdmin":         wl.TransferAdmin(mallory, mallory),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
	if err := wl.AddUsers(admin, vault, []common.Address{alice, {}}); !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("expected zero address rejection, got %v", err)
	}
	if n, _ := wl.UserCount(vault); n != 0 {
		t.Fatalf("rejected batch must not partially apply, count %d", n)
	}
}

func TestWhitelistPersistsInLevelDB(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	wl := New(storage.NewKVStore(db, "lev/"), admin)
	if err := wl.AddCallerContracts(admin, vault, []common.Address{engine}); err != nil {
		t.Fatalf("add caller: %v", err)
	}
	if err := wl.AddUsers(admin, vault, []common.Address{alice, bob}); err != nil {
		t.Fatalf("add users: %v", err)
	}
	db.Close()

	reopened, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer reopened.Close()
	wl = New(storage.NewKVStore(reopened, "lev/"), admin)
	if n, err := wl.UserCount(vault); err != nil || n != 2 {
		t.Fatalf("user count after reopen: %d, %v", n, err)
	}
	ok, err := wl.IsCallerAllowed(vault, engine)
	mustAllowed(t, ok, err, true, "persisted caller")
	ok, err = wl.IsUserAllowed(vault, mallory)
	mustAllowed(t, ok, err, false, "persisted user set")
}
