package reading

import "time"

// Reading je jedna sada šesti hodnot ze skleníkového kontroléru.
// Vzniká pouze v dekodéru; pole, která nepřišla nebo nešla naparsovat, zůstávají 0.
type Reading struct {
	AirTemp      float64 `json:"air_temp"`      // atemp
	AirHumidity  float64 `json:"air_humidity"`  // ahumi
	Oxygen       float64 `json:"oxygen"`        // oxygen
	SoilTemp     float64 `json:"soil_temp"`     // stemp
	SoilMoisture float64 `json:"soil_moisture"` // shumi2
	Light        float64 `json:"light"`         // light
}

// StoredRecord je řádek tabulky greenhouse_data.
type StoredRecord struct {
	ID int64 `json:"id"`

	// CollectedAt: čas vložení na straně serveru, přesnost na sekundy, lokální čas.
	CollectedAt time.Time `json:"collected_at"`

	Reading
}

// Field vrací hodnotu pole, které odpovídá atributu. Neznámý atribut vrací false.
func (r Reading) Field(a Attribute) (float64, bool) {
	switch a {
	case AirTemperature:
		return r.AirTemp, true
	case AirHumidity:
		return r.AirHumidity, true
	case OxygenConcentration:
		return r.Oxygen, true
	case SoilTemperature:
		return r.SoilTemp, true
	case SoilMoisture:
		return r.SoilMoisture, true
	case LightIntensity:
		return r.Light, true
	}
	return 0, false
}
