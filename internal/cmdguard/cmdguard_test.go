package cmdguard

import "testing"

func TestNormalizeVideoEncoderAliases(t *testing.T) {
	got, err := NormalizeVideoEncoder("hevc_nvenc")
	if err != nil {
		t.Fatal(err)
	}
	if got != NVENCH265 {
		t.Fatalf("got %q, want %q", got, NVENCH265)
	}
}

func TestNormalizeVideoEncoderRejectsUnknown(t *testing.T) {
	if _, err := NormalizeVideoEncoder("totally_made_up"); err == nil {
		t.Fatal("expected rejection")
	}
}

func TestValidateQualityRange(t *testing.T) {
	if _, err := ValidateQuality(52); err == nil {
		t.Fatal("expected rejection for out-of-range quality")
	}
	if _, err := ValidateQuality(-1); err == nil {
		t.Fatal("expected rejection for negative quality")
	}
	if q, err := ValidateQuality(23); err != nil || q != 23 {
		t.Fatalf("got (%d, %v), want (23, nil)", q, err)
	}
}

func TestPresetAllowlist(t *testing.T) {
	allow := DefaultPresetAllowlist()
	if err := allow.Validate("Fast 1080p30"); err != nil {
		t.Fatalf("expected known preset to validate: %v", err)
	}
	if err := allow.Validate("rm -rf /"); err == nil {
		t.Fatal("expected unknown preset to be rejected")
	}
}
