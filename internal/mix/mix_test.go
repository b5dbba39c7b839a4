package mix

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/nyxnet/nyx/internal/crypto"
)

func testModulus() *big.Int {
	p := big.NewInt(1009)
	q := big.NewInt(1013)
	return new(big.Int).Mul(p, q)
}

func genNode(t *testing.T, id, addr string, load, rep float64) (NodeDescriptor, [crypto.KeySize]byte) {
	t.Helper()
	priv, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair: %v", err)
	}
	return NodeDescriptor{NodeID: id, PublicKey: pub, Address: addr, Load: load, Reputation: rep}, priv
}

func TestSelectPathRejectsOutOfRangeLength(t *testing.T) {
	dir := NewDirectory(nil)
	rng := rand.New(rand.NewSource(1))
	if _, err := SelectPath(dir, 1, rng); err == nil {
		t.Fatal("expected error for path length below minimum")
	}
	if _, err := SelectPath(dir, 8, rng); err == nil {
		t.Fatal("expected error for path length above maximum")
	}
}

func TestSelectPathNoRepeatedNodes(t *testing.T) {
	var nodes []NodeDescriptor
	for i := 0; i < 5; i++ {
		n, _ := genNode(t, string(rune('a'+i)), "addr", 0.1, 1.0)
		nodes = append(nodes, n)
	}
	dir := NewDirectory(nodes)
	rng := rand.New(rand.NewSource(2))

	path, err := SelectPath(dir, 3, rng)
	if err != nil {
		t.Fatalf("SelectPath: %v", err)
	}
	seen := map[string]bool{}
	for _, n := range path {
		if seen[n.NodeID] {
			t.Fatalf("node %s selected twice", n.NodeID)
		}
		seen[n.NodeID] = true
	}
}

func TestSelectPathExcludesZeroReputationNodes(t *testing.T) {
	good, _ := genNode(t, "good", "addr", 0.1, 1.0)
	bad, _ := genNode(t, "bad", "addr", 0.1, 0.0)
	dir := NewDirectory([]NodeDescriptor{good, bad})
	rng := rand.New(rand.NewSource(3))

	// Only one node has positive weight, so a 2-hop path is unreachable.
	if _, err := SelectPath(dir, 2, rng); err == nil {
		t.Fatal("expected error: not enough eligible nodes")
	}
}

func TestBuildOnionAndPeelLayerByLayer(t *testing.T) {
	n1, priv1 := genNode(t, "n1", "10.0.0.1:9000", 0.1, 1.0)
	n2, priv2 := genNode(t, "n2", "10.0.0.2:9000", 0.2, 1.0)
	n3, priv3 := genNode(t, "n3", "10.0.0.3:9000", 0.3, 1.0)
	path := []NodeDescriptor{n1, n2, n3}

	modulus := testModulus()
	payload := []byte("secret payload")

	onion, err := BuildOnion(path, payload, 5, modulus)
	if err != nil {
		t.Fatalf("BuildOnion: %v", err)
	}

	sb1 := crypto.NewSealedBoxWithPrivate(n1.PublicKey, priv1)
	header1, inner1, err := PeelLayer(sb1, onion)
	if err != nil {
		t.Fatalf("PeelLayer hop1: %v", err)
	}
	if header1.NextHopAddr != n2.Address {
		t.Fatalf("hop1 next addr = %q, want %q", header1.NextHopAddr, n2.Address)
	}

	sb2 := crypto.NewSealedBoxWithPrivate(n2.PublicKey, priv2)
	header2, inner2, err := PeelLayer(sb2, inner1)
	if err != nil {
		t.Fatalf("PeelLayer hop2: %v", err)
	}
	if header2.NextHopAddr != n3.Address {
		t.Fatalf("hop2 next addr = %q, want %q", header2.NextHopAddr, n3.Address)
	}

	sb3 := crypto.NewSealedBoxWithPrivate(n3.PublicKey, priv3)
	header3, inner3, err := PeelLayer(sb3, inner2)
	if err != nil {
		t.Fatalf("PeelLayer hop3: %v", err)
	}
	if header3.NextHopAddr != "" {
		t.Fatalf("final hop next addr = %q, want empty", header3.NextHopAddr)
	}
	if string(inner3) != string(payload) {
		t.Fatalf("final payload = %q, want %q", inner3, payload)
	}
}

type recordingForwarder struct {
	addr    string
	payload []byte
	err     error
}

func (f *recordingForwarder) Forward(addr string, payload []byte) error {
	f.addr = addr
	f.payload = payload
	return f.err
}

func TestSchedulerForwardsThroughIntermediateHop(t *testing.T) {
	n1, priv1 := genNode(t, "n1", "10.0.0.1:9000", 0.1, 1.0)
	n2, _ := genNode(t, "n2", "10.0.0.2:9000", 0.2, 1.0)
	path := []NodeDescriptor{n1, n2}

	modulus := testModulus()
	onion, err := BuildOnion(path, []byte("payload"), 3, modulus)
	if err != nil {
		t.Fatalf("BuildOnion: %v", err)
	}

	fwd := &recordingForwarder{}
	sched := NewScheduler(fwd)
	sb1 := crypto.NewSealedBoxWithPrivate(n1.PublicKey, priv1)

	_, delivered := sched.HandleCell(sb1, onion)
	if delivered {
		t.Fatal("expected intermediate hop to forward, not deliver locally")
	}
	if fwd.addr != n2.Address {
		t.Fatalf("forwarded to %q, want %q", fwd.addr, n2.Address)
	}

	forwards, dropped := sched.Stats()
	if forwards != 1 || dropped != 0 {
		t.Fatalf("forwards=%d dropped=%d, want 1/0", forwards, dropped)
	}
}

func TestSchedulerDeliversFinalHopLocally(t *testing.T) {
	n1, priv1 := genNode(t, "n1", "10.0.0.1:9000", 0.1, 1.0)
	n2, priv2 := genNode(t, "n2", "10.0.0.2:9000", 0.2, 1.0)
	path := []NodeDescriptor{n1, n2}

	payload := []byte("final payload")
	onion, err := BuildOnion(path, payload, 3, testModulus())
	if err != nil {
		t.Fatalf("BuildOnion: %v", err)
	}

	sb1 := crypto.NewSealedBoxWithPrivate(n1.PublicKey, priv1)
	_, innerOnion, err := PeelLayer(sb1, onion)
	if err != nil {
		t.Fatalf("PeelLayer hop1: %v", err)
	}

	sched := NewScheduler(nil)
	sb2 := crypto.NewSealedBoxWithPrivate(n2.PublicKey, priv2)
	final, delivered := sched.HandleCell(sb2, innerOnion)
	if !delivered {
		t.Fatal("expected final hop to deliver locally")
	}
	if string(final) != string(payload) {
		t.Fatalf("final payload = %q, want %q", final, payload)
	}

	forwards, dropped := sched.Stats()
	if forwards != 1 || dropped != 0 {
		t.Fatalf("forwards=%d dropped=%d, want 1/0", forwards, dropped)
	}
}

func TestSchedulerDropsOnCorruptedCell(t *testing.T) {
	n1, priv1 := genNode(t, "n1", "10.0.0.1:9000", 0.1, 1.0)
	n2, _ := genNode(t, "n2", "10.0.0.2:9000", 0.2, 1.0)
	path := []NodeDescriptor{n1, n2}

	onion, err := BuildOnion(path, []byte("payload"), 3, testModulus())
	if err != nil {
		t.Fatalf("BuildOnion: %v", err)
	}
	onion[0] ^= 0xff // corrupt

	sched := NewScheduler(&recordingForwarder{})
	sb1 := crypto.NewSealedBoxWithPrivate(n1.PublicKey, priv1)
	_, delivered := sched.HandleCell(sb1, onion)
	if delivered {
		t.Fatal("corrupted cell should not be delivered")
	}

	_, dropped := sched.Stats()
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
}
