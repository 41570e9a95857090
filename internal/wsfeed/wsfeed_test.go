package wsfeed

import (
	"math/big"
	"testing"
)

func TestBuildMakerTopicFilterPadsToWord(t *testing.T) {
	t.Parallel()
	addrs := []string{"0xAbCdEf0000000000000000000000000000000001"}
	topics := buildMakerTopicFilter(addrs)
	if len(topics) != 1 {
		t.Fatalf("expected 1 topic, got %d", len(topics))
	}
	want := "0x000000000000000000000000abcdef0000000000000000000000000000000001"
	if topics[0] != want {
		t.Errorf("topic = %q, want %q", topics[0], want)
	}
	if len(topics[0]) != 66 {
		t.Errorf("topic length = %d, want 66 (0x + 32 bytes)", len(topics[0]))
	}
}

func TestDecimalStringScalesAndPads(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  *big.Int
		dec  int
		want string
	}{
		{big.NewInt(1_000_000), 6, "1.000000"},
		{big.NewInt(500_000), 6, "0.500000"},
		{big.NewInt(0), 6, "0.000000"},
		{big.NewInt(123_456_789), 6, "123.456789"},
	}
	for _, tt := range tests {
		if got := decimalString(tt.raw, tt.dec); got != tt.want {
			t.Errorf("decimalString(%s, %d) = %q, want %q", tt.raw, tt.dec, got, tt.want)
		}
	}
}

func TestPadLeft(t *testing.T) {
	t.Parallel()
	if got := padLeft("5", 3); got != "005" {
		t.Errorf("padLeft(%q, 3) = %q, want %q", "5", got, "005")
	}
	if got := padLeft("123", 3); got != "123" {
		t.Errorf("padLeft should not truncate, got %q", got)
	}
}

func TestDecodeOrderFilledBuySide(t *testing.T) {
	t.Parallel()
	s := &Subscriber{}

	// makerAssetId = 0 (USDC leg), takerAssetId = token 7, makerAmount = 1_000_000 (1 USDC),
	// takerAmount = 2_000_000 (2 tokens at 6 decimals) -> price 0.5, side buy.
	data := make([]byte, 32*5)
	copy(data[32:64], leftPadBig(big.NewInt(7)))
	copy(data[64:96], leftPadBig(big.NewInt(1_000_000)))
	copy(data[96:128], leftPadBig(big.NewInt(2_000_000)))

	entry := logEntry{
		Topics: []string{
			"0x" + "00", // topic0, unused by decode
			"0x" + "11",
			"0x0000000000000000000000001111111111111111111111111111111111111111",
			"0x" + "33",
		},
		Data:            "0x" + hexEncode(data),
		TransactionHash: "0xdeadbeef",
		BlockNumber:     "0x10",
	}

	trade, ok := s.decodeOrderFilled(entry)
	if !ok {
		t.Fatal("decodeOrderFilled returned ok=false")
	}
	if trade.Side != "buy" {
		t.Errorf("Side = %q, want buy", trade.Side)
	}
	if trade.AssetID != "7" {
		t.Errorf("AssetID = %q, want 7", trade.AssetID)
	}
	if trade.Price != "0.500000" {
		t.Errorf("Price = %q, want 0.500000", trade.Price)
	}
	if trade.Trader != "0x1111111111111111111111111111111111111111" {
		t.Errorf("Trader = %q, want lowercased maker address", trade.Trader)
	}
}

func TestDecodeOrderFilledRejectsShortTopics(t *testing.T) {
	t.Parallel()
	s := &Subscriber{}
	if _, ok := s.decodeOrderFilled(logEntry{Topics: []string{"0x0", "0x1"}}); ok {
		t.Error("decodeOrderFilled should reject logs with fewer than 4 topics")
	}
}

type fakeLookup struct {
	id string
	ok bool
}

func (f fakeLookup) GammaTokenID(string) (string, bool)        { return f.id, f.ok }
func (f fakeLookup) Question(string) (string, string, bool) { return "", "", false }

func TestCanonicalAssetIDUsesLookupOnHit(t *testing.T) {
	t.Parallel()
	s := &Subscriber{lookup: fakeLookup{id: "gamma-42", ok: true}}
	if got := s.canonicalAssetID("7"); got != "gamma-42" {
		t.Errorf("canonicalAssetID = %q, want gamma-42", got)
	}
}

func TestCanonicalAssetIDFallsBackToRawOnMiss(t *testing.T) {
	t.Parallel()
	s := &Subscriber{lookup: fakeLookup{ok: false}}
	if got := s.canonicalAssetID("7"); got != "7" {
		t.Errorf("canonicalAssetID = %q, want raw id 7 on lookup miss", got)
	}
	s2 := &Subscriber{}
	if got := s2.canonicalAssetID("7"); got != "7" {
		t.Errorf("canonicalAssetID with nil lookup = %q, want raw id 7", got)
	}
}

func leftPadBig(n *big.Int) []byte {
	b := n.Bytes()
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}
