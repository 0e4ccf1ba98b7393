package config

import "testing"

func TestClassifyOracleShapeE21Micro(t *testing.T) {
	name, tmpl := classifyOracleShape(1, 1.0)
	if name != "VM.Standard.E2.1.Micro" || tmpl != "e2-1-micro.env" {
		t.Fatalf("got %s/%s", name, tmpl)
	}
}

func TestClassifyOracleShapeA1Flex4(t *testing.T) {
	name, tmpl := classifyOracleShape(4, 24.0)
	if name != "VM.Standard.A1.Flex" || tmpl != "a1-flex-4.env" {
		t.Fatalf("got %s/%s", name, tmpl)
	}
}

func TestClassifyOracleShapeUnknownFallsBackToE21MicroTemplate(t *testing.T) {
	name, tmpl := classifyOracleShape(8, 64.0)
	if tmpl != "e2-1-micro.env" {
		t.Fatalf("expected conservative e2-1-micro.env fallback, got %s (shape %s)", tmpl, name)
	}
}

func TestInRange(t *testing.T) {
	if !inRange(1.1, e21MicroMemRangeGB) {
		t.Fatal("expected 1.1 within E2.1.Micro range")
	}
	if inRange(1.5, e21MicroMemRangeGB) {
		t.Fatal("expected 1.5 outside E2.1.Micro range")
	}
}

func TestValidateOracleReclamationNonOracleShapeIsSilent(t *testing.T) {
	shape := Shape{Name: "Generic-2CPU-4.0GB"}
	cc := Config{CPUP95Setpoint: 10, MemTargetPct: 10, NetTargetPct: 10}
	if warnings := ValidateOracleReclamation(shape, cc); len(warnings) != 0 {
		t.Fatalf("expected no warnings for a non-Oracle shape, got %v", warnings)
	}
}

func TestValidateOracleReclamationE2WarnsOnlyWhenBothCPUAndNetAtRisk(t *testing.T) {
	shape := Shape{Name: "VM.Standard.E2.1.Micro", IsOracle: true}

	safe := Config{CPUP95Setpoint: 25, NetTargetPct: 25}
	if warnings := ValidateOracleReclamation(shape, safe); len(warnings) != 0 {
		t.Fatalf("expected no warning when CPU is comfortably above the floor, got %v", warnings)
	}

	atRisk := Config{CPUP95Setpoint: 10, NetTargetPct: 10, MemTargetPct: 10}
	if warnings := ValidateOracleReclamation(shape, atRisk); len(warnings) != 1 {
		t.Fatalf("expected one warning when both CPU and NET are below the floor, got %v", warnings)
	}
}

func TestValidateOracleReclamationA1FlexNeedsAllThreeAtRisk(t *testing.T) {
	shape := Shape{Name: "VM.Standard.A1.Flex", IsOracle: true}

	onlyTwo := Config{CPUP95Setpoint: 10, NetTargetPct: 10, MemTargetPct: 50}
	if warnings := ValidateOracleReclamation(shape, onlyTwo); len(warnings) != 0 {
		t.Fatalf("expected no warning when memory is still above the floor, got %v", warnings)
	}

	allThree := Config{CPUP95Setpoint: 10, NetTargetPct: 10, MemTargetPct: 10}
	if warnings := ValidateOracleReclamation(shape, allThree); len(warnings) != 1 {
		t.Fatalf("expected one warning when CPU, MEM, and NET are all below the floor, got %v", warnings)
	}
}

func TestShapeForTemplateMapsKnownNames(t *testing.T) {
	if s := ShapeForTemplate("a1-flex-1"); s.Name != "VM.Standard.A1.Flex" || !s.IsOracle {
		t.Fatalf("got %+v", s)
	}
	if s := ShapeForTemplate("generic"); s.IsOracle {
		t.Fatalf("expected an unrecognized template to not be treated as Oracle, got %+v", s)
	}
}
