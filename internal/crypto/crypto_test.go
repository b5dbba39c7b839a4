package crypto

import "testing"

func TestGenerateEphemeralKeypair(t *testing.T) {
	priv1, pub1, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	var zeroKey [KeySize]byte
	if priv1 == zeroKey {
		t.Error("private key is zero")
	}
	if pub1 == zeroKey {
		t.Error("public key is zero")
	}

	priv2, pub2, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() second call error = %v", err)
	}

	if priv1 == priv2 {
		t.Error("two generated private keys are identical")
	}
	if pub1 == pub2 {
		t.Error("two generated public keys are identical")
	}
}

func TestComputeECDH(t *testing.T) {
	privA, pubA, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() A error = %v", err)
	}

	privB, pubB, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() B error = %v", err)
	}

	secretA, err := ComputeECDH(privA, pubB)
	if err != nil {
		t.Fatalf("ComputeECDH(A, pubB) error = %v", err)
	}

	secretB, err := ComputeECDH(privB, pubA)
	if err != nil {
		t.Fatalf("ComputeECDH(B, pubA) error = %v", err)
	}

	if secretA != secretB {
		t.Error("shared secrets do not match")
	}

	var zeroKey [KeySize]byte
	if secretA == zeroKey {
		t.Error("shared secret is zero")
	}
}

func TestComputeECDH_ZeroKey(t *testing.T) {
	priv, _, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	var zeroKey [KeySize]byte
	_, err = ComputeECDH(priv, zeroKey)
	if err == nil {
		t.Error("ComputeECDH with zero public key should fail")
	}
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ZeroBytes(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d = %d, want 0", i, b)
		}
	}
}

func TestZeroKey(t *testing.T) {
	key := [KeySize]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}
	ZeroKey(&key)

	var zeroKey [KeySize]byte
	if key != zeroKey {
		t.Error("key was not zeroed")
	}
}

func BenchmarkKeyExchange(b *testing.B) {
	for i := 0; i < b.N; i++ {
		privA, _, _ := GenerateEphemeralKeypair()
		_, pubB, _ := GenerateEphemeralKeypair()
		_, _ = ComputeECDH(privA, pubB)
	}
}
