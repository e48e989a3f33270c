package valve

import "testing"

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "uppercase", in: "62:00:A1:1E:C1:1F", want: "62:00:a1:1e:c1:1f"},
		{name: "already canonical", in: "aa:bb:cc:dd:ee:ff", want: "aa:bb:cc:dd:ee:ff"},
		{name: "surrounding whitespace", in: " 62:00:a1:1e:c1:1f ", want: "62:00:a1:1e:c1:1f"},
		{name: "non-hex digit", in: "62:00:A1:1E:C1:1G", wantErr: true},
		{name: "missing octet", in: "62:00:a1:1e:c1", wantErr: true},
		{name: "no separators", in: "6200a11ec11f", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeMAC(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeMAC(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeMAC(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeMAC(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMACToUint64(t *testing.T) {
	v, err := MACToUint64("62:00:A1:1E:C1:1F")
	if err != nil {
		t.Fatalf("MACToUint64() error = %v", err)
	}
	if v != 0x6200A11EC11F {
		t.Errorf("MACToUint64() = 0x%012X, want 0x6200A11EC11F", v)
	}

	if _, err := MACToUint64("62:00:A1:1E:C1:1G"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestUint64ToMAC(t *testing.T) {
	if got := Uint64ToMAC(0x6200A11EC11F); got != "62:00:a1:1e:c1:1f" {
		t.Errorf("Uint64ToMAC() = %q, want 62:00:a1:1e:c1:1f", got)
	}
	if got := Uint64ToMAC(0x000000000001); got != "00:00:00:00:00:01" {
		t.Errorf("Uint64ToMAC() = %q, want 00:00:00:00:00:01", got)
	}
}

func TestNextPacketNumberWrap(t *testing.T) {
	// From 254 the next three packet numbers are 255, 1, 2: the
	// counter wraps past zero.
	pkt := byte(254)
	want := []byte{255, 1, 2}
	for i, w := range want {
		pkt = nextPacketNumber(pkt)
		if pkt != w {
			t.Fatalf("step %d: packet number = %d, want %d", i, pkt, w)
		}
	}
}
