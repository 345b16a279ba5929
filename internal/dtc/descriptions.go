package dtc

import "strings"

var descriptions = map[string]string{
	// Powertrain codes
	"P0101": "Mass Air Flow Circuit Range/Performance",
	"P0102": "Mass Air Flow Circuit Low Input",
	"P0103": "Mass Air Flow Circuit High Input",
	"P0133": "O2 Sensor Circuit Slow Response (Bank 1 Sensor 1)",
	"P0171": "System Too Lean (Bank 1)",
	"P0172": "System Too Rich (Bank 1)",
	"P0174": "System Too Lean (Bank 2)",
	"P0175": "System Too Rich (Bank 2)",
	"P0300": "Random/Multiple Cylinder Misfire Detected",
	"P0301": "Cylinder 1 Misfire Detected",
	"P0302": "Cylinder 2 Misfire Detected",
	"P0303": "Cylinder 3 Misfire Detected",
	"P0304": "Cylinder 4 Misfire Detected",
	"P0401": "Exhaust Gas Recirculation Flow Insufficient",
	"P0402": "Exhaust Gas Recirculation Flow Excessive",
	"P0420": "Catalyst System Efficiency Below Threshold",
	"P0440": "Evaporative Emission Control System Malfunction",
	"P0441": "Evaporative Emission Control System Incorrect Purge Flow",
	"P0442": "Evaporative Emission Control System Leak Detected (Small)",
	"P0443": "Evaporative Emission Control System Purge Control Valve Circuit",
	"P0455": "Evaporative Emission Control System Leak Detected (Large)",
	"P0460": "Fuel Level Sensor Circuit Malfunction",
	"P0461": "Fuel Level Sensor Circuit Range/Performance",
	"P0500": "Vehicle Speed Sensor Malfunction",
	"P0505": "Idle Control System Malfunction",
	"P0506": "Idle Control System RPM Lower Than Expected",
	"P0507": "Idle Control System RPM Higher Than Expected",

	// Chassis codes
	"C1A00": "TPMS Control Module Malfunction",
	"C1A01": "TPMS Module Configuration Error",
	"C1A02": "TPMS RF Receiver Malfunction",
	"C2100": "Tire Pressure Too Low - Left Front",
	"C2101": "Tire Pressure Too Low - Right Front",
	"C2102": "Tire Pressure Too Low - Right Rear",
	"C2103": "Tire Pressure Too Low - Left Rear",

	// Body codes
	"B1000": "Body Control Module Malfunction",
	"B1342": "ECU Defective",
	"B1600": "Ignition Switch Malfunction",

	// Network codes
	"U0001": "High Speed CAN Communication Bus",
	"U0100": "Lost Communication With ECM/PCM",
	"U0101": "Lost Communication With TCM",
	"U0121": "Lost Communication With ABS Module",
	"U0140": "Lost Communication With Body Control Module",
	"U0155": "Lost Communication With Instrument Cluster",
}

// Describe returns a description for common codes, falling back to the
// system the code letter names.
func Describe(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if desc, ok := descriptions[code]; ok {
		return desc
	}

	if strings.HasPrefix(code, "C1A") || strings.HasPrefix(code, "C2") {
		return "TPMS/Tire Pressure Related Code"
	}

	if code == "" {
		return "Unknown DTC"
	}
	switch code[0] {
	case 'P':
		return "Unknown Powertrain DTC"
	case 'C':
		return "Unknown Chassis DTC"
	case 'B':
		return "Unknown Body DTC"
	case 'U':
		return "Unknown Network DTC"
	}
	return "Unknown DTC"
}
