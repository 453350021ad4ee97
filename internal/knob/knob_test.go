package knob

import "testing"

func TestDecodeShapeMismatch(t *testing.T) {
	s := DefaultSpace()
	_, err := s.Decode(make([]float64, 5))
	if err == nil {
		t.Fatal("expected ShapeMismatchError, got nil")
	}
	if _, ok := err.(*ShapeMismatchError); !ok {
		t.Fatalf("expected *ShapeMismatchError, got %T", err)
	}
}

func TestDecodeZeroSentinel(t *testing.T) {
	s := DefaultSpace()
	action := make([]float64, ActionDim)
	d, err := s.Decode(action)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.MaxInflightMessages != 0 {
		t.Errorf("expected 0 for all-zero action, got %d", d.MaxInflightMessages)
	}
	if d.MaxPacketSize != 0 {
		t.Errorf("expected max_packet_size 0, got %d", d.MaxPacketSize)
	}
}

func TestDecodeMaxPacketSizeNeverBetweenZeroAndTwenty(t *testing.T) {
	s := DefaultSpace()
	for _, v := range []float64{0, 0.0000001, 0.004, 0.005, 0.006, 0.01, 0.5, 1.0} {
		action := make([]float64, ActionDim)
		action[9] = v
		d, err := s.Decode(action)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.MaxPacketSize != 0 && d.MaxPacketSize < 20 {
			t.Errorf("action[9]=%v: max_packet_size must be 0 or >= 20, got %d", v, d.MaxPacketSize)
		}
	}
}

func TestDecodeBooleanThreshold(t *testing.T) {
	s := DefaultSpace()
	action := make([]float64, ActionDim)
	action[6] = 0.5 // persistence
	d, err := s.Decode(action)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Persistence {
		t.Error("expected persistence=true at exactly 0.5")
	}
}

func TestDecodeClipsOutOfRange(t *testing.T) {
	s := DefaultSpace()
	action := make([]float64, ActionDim)
	for i := range action {
		action[i] = 2.0
	}
	d, err := s.Decode(action)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.MaxInflightMessages != s.MaxInflightMessages.High {
		t.Errorf("expected clip to range high %d, got %d", s.MaxInflightMessages.High, d.MaxInflightMessages)
	}
}

func TestDecodeNaNFallsBackToHalf(t *testing.T) {
	s := DefaultSpace()
	action := make([]float64, ActionDim)
	action[4] = nan()
	d, err := s.Decode(action)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.QueueQoS0Messages {
		t.Error("expected NaN action to fall back to 0.5 and decode bool as true")
	}
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestEncodeDecodeRoundTripsDefault(t *testing.T) {
	s := DefaultSpace()
	def := Default()
	action := s.Encode(def)
	got, err := s.Decode(action)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != def {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, def)
	}
}

func TestEncodeDecodeRoundTripsNonZeroValues(t *testing.T) {
	s := DefaultSpace()
	d := Dict{
		MaxInflightMessages: 500,
		MaxInflightBytes:    1 << 20,
		MaxQueuedMessages:   5000,
		MaxQueuedBytes:      2 << 20,
		QueueQoS0Messages:   true,
		MemoryLimit:         1 << 30,
		Persistence:         true,
		AutosaveInterval:    900,
		SetTCPNodelay:       true,
		MaxPacketSize:       1 << 20,
		MessageSizeLimit:    2 << 20,
	}
	action := s.Encode(d)
	got, err := s.Decode(action)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != d {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, d)
	}
}

func TestDefaultActionDecodesToDefault(t *testing.T) {
	s := DefaultSpace()
	action := s.DefaultAction()
	got, err := s.Decode(action)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != Default() {
		t.Errorf("DefaultAction did not decode back to Default(): got %+v", got)
	}
}
