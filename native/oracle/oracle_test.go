package oracle

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"levlend/crypto"
)

func makeAddress(b byte) common.Address {
	var a common.Address
	a[0] = b
	a[len(a)-1] = b
	return a
}

func TestAdminPrices(t *testing.T) {
	admin := makeAddress(0xA1)
	asset := makeAddress(0x10)
	o := New(admin)

	if _, err := o.GetAssetPrice(asset); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if err := o.SetAssetPrice(makeAddress(0xB2), asset, big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := o.SetAssetPrice(admin, asset, big.NewInt(0)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	price, err := ParsePrice("1.0025")
	if err != nil {
		t.Fatalf("parse price: %v", err)
	}
	if err := o.SetAssetPrice(admin, asset, price); err != nil {
		t.Fatalf("set price: %v", err)
	}
	got, err := o.GetAssetPrice(asset)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if FormatPrice(got) != "1.0025" {
		t.Fatalf("unexpected price %s", FormatPrice(got))
	}
}

func TestParsePrice(t *testing.T) {
	p, err := ParsePrice("2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.String() != "2000000000000000000" {
		t.Fatalf("unexpected scaled price %s", p)
	}
	for _, bad := range []string{"", "abc", "-1", "0", "0.0000000000000000001"} {
		if _, err := ParsePrice(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestSignedPriceUpdates(t *testing.T) {
	admin := makeAddress(0xA1)
	asset := makeAddress(0x20)
	o := New(admin)
	now := time.Unix(1_700_000_000, 0)
	o.SetClock(func() time.Time { return now })
	o.SetMaxAge(time.Minute)
	o.SetMaxDeviationBps(500)

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	feeder := NewFeeder(key)

	first, err := feeder.Sign(asset, big.NewInt(1_000_000), now.Add(-10*time.Second))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := o.SubmitPriceUpdate(first); !errors.Is(err, ErrUnknownSigner) {
		t.Fatalf("expected ErrUnknownSigner, got %v", err)
	}
	if err := o.AuthorizeSigner(admin, feeder.Address(), true); err != nil {
		t.Fatalf("authorise signer: %v", err)
	}
	if err := o.SubmitPriceUpdate(first); err != nil {
		t.Fatalf("submit: %v", err)
	}

	stale, err := feeder.Sign(asset, big.NewInt(1_000_100), now.Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := o.SubmitPriceUpdate(stale); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}

	jump, err := feeder.Sign(asset, big.NewInt(1_200_000), now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := o.SubmitPriceUpdate(jump); !errors.Is(err, ErrPriceDeviation) {
		t.Fatalf("expected ErrPriceDeviation, got %v", err)
	}

	tampered, err := feeder.Sign(asset, big.NewInt(1_010_000), now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tampered.Price = big.NewInt(1_040_000)
	if err := o.SubmitPriceUpdate(tampered); err == nil {
		t.Fatalf("expected tampered update to be rejected")
	}

	ok, err := feeder.Sign(asset, big.NewInt(1_010_000), now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := o.SubmitPriceUpdate(ok); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := o.GetAssetPrice(asset)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if got.Cmp(big.NewInt(1_010_000)) != 0 {
		t.Fatalf("unexpected price %s", got)
	}
}

func TestKeyFileFeeder(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "feeder.json")
	if err := crypto.WriteKeyFile(path, key, "feed"); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	if _, err := LoadFeeder(path, "wrong"); !errors.Is(err, crypto.ErrWrongPassphrase) {
		t.Fatalf("expected wrong passphrase to fail, got %v", err)
	}
	feeder, err := LoadFeeder(path, "feed")
	if err != nil {
		t.Fatalf("load feeder: %v", err)
	}
	if feeder.Address() != key.PubKey().Address() {
		t.Fatalf("feeder address %s, want %s", feeder.Address().Hex(), key.PubKey().Address().Hex())
	}

	admin := makeAddress(0xA1)
	asset := makeAddress(0x30)
	o := New(admin)
	if err := o.AuthorizeSigner(admin, feeder.Address(), true); err != nil {
		t.Fatalf("authorise signer: %v", err)
	}
	update, err := feeder.Sign(asset, big.NewInt(2_000_000), time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := o.SubmitPriceUpdate(update); err != nil {
		t.Fatalf("submit: %v", err)
	}
}
