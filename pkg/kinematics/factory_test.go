package kinematics

import "testing"

func TestNewContractFromConfigSupportedTypes(t *testing.T) {
	for _, kinType := range []string{"cartesian", "corexy", "corexz"} {
		cfg := Config{Type: kinType, Rails: testRails(), MaxZVelocity: 25, MaxZAccel: 100}
		contract, err := NewContractFromConfig(cfg)
		if err != nil {
			t.Fatalf("%s: NewContractFromConfig: %v", kinType, err)
		}
		if contract.AxisCount() != 3 {
			t.Errorf("%s: AxisCount() = %d, want 3", kinType, contract.AxisCount())
		}
	}
}

func TestNewContractFromConfigUnsupportedType(t *testing.T) {
	cfg := Config{Type: "delta", Rails: testRails(), MaxZVelocity: 25, MaxZAccel: 100}
	if _, err := NewContractFromConfig(cfg); err == nil {
		t.Fatal("expected error for unsupported kinematics type")
	}
}

func TestNewContractFromConfigTooFewRails(t *testing.T) {
	cfg := Config{Type: "cartesian", Rails: testRails()[:2], MaxZVelocity: 25, MaxZAccel: 100}
	if _, err := NewContractFromConfig(cfg); err == nil {
		t.Fatal("expected error for fewer than 3 rails")
	}
}
