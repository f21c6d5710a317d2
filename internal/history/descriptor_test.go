package history

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDescriptorRoundTrip(t *testing.T) {
	codec := LabeledCodec{}
	in := Descriptor{
		Address:   "0x1234567890AbcdEF1234567890aBcdef12345678",
		Symbol:    "WIF",
		Name:      "dogwifhat",
		AmountETH: decimal.RequireFromString("0.25"),
		Reason:    "strong volume and community traction",
	}

	out, ok := codec.Decode(codec.Encode(in))
	if !ok {
		t.Fatal("encoded description must decode")
	}
	if out.Address != in.Address {
		t.Fatalf("address mismatch: %q != %q", out.Address, in.Address)
	}
	if out.Symbol != in.Symbol || out.Name != in.Name {
		t.Fatalf("metadata mismatch: %+v", out)
	}
	if !out.AmountETH.Equal(in.AmountETH) {
		t.Fatalf("amount mismatch: %s != %s", out.AmountETH, in.AmountETH)
	}
	if out.Reason != in.Reason {
		t.Fatalf("reason mismatch: %q", out.Reason)
	}
}

func TestDecodeWithoutAddressFails(t *testing.T) {
	codec := LabeledCodec{}
	if _, ok := codec.Decode("Buy something nice\nSymbol: ABC\n"); ok {
		t.Fatal("description without an address pattern must not decode")
	}
}

func TestDecodeToleratesMalformedAmount(t *testing.T) {
	codec := LabeledCodec{}
	d, ok := codec.Decode("Address: 0x1234567890abcdef1234567890abcdef12345678\nAmount: lots ETH\n")
	if !ok {
		t.Fatal("address is present, decode must succeed")
	}
	if !d.AmountETH.IsZero() {
		t.Fatalf("unparseable amount must contribute zero, got %s", d.AmountETH)
	}
}

func TestDecodeIsCaseInsensitiveOnLabels(t *testing.T) {
	codec := LabeledCodec{}
	d, ok := codec.Decode("address: 0xABCDEF1234567890abcdef1234567890ABCDEF12\nsymbol: pepe\namount: 1.5 eth\n")
	if !ok {
		t.Fatal("lowercase labels must decode")
	}
	if d.Symbol != "pepe" {
		t.Fatalf("unexpected symbol %q", d.Symbol)
	}
	if !d.AmountETH.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected amount %s", d.AmountETH)
	}
}
