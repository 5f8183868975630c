package reading

import "fmt"

// Attribute je uzavřená množina veřejných názvů měřených veličin.
// Jiný řetězec než těchto šest se nikdy nesmí dostat do textu SQL dotazu.
type Attribute string

const (
	AirTemperature      Attribute = "air_temperature"
	AirHumidity         Attribute = "air_humidity"
	OxygenConcentration Attribute = "oxygen_concentration"
	SoilTemperature     Attribute = "soil_temperature"
	SoilMoisture        Attribute = "soil_moisture"
	LightIntensity      Attribute = "light_intensity"
)

// attributeColumns: překladová tabulka atribut -> sloupec v DB. Přesně jeden záznam na pole Reading.
var attributeColumns = map[Attribute]string{
	AirTemperature:      "air_temp",
	AirHumidity:         "air_humidity",
	OxygenConcentration: "oxygen_content",
	SoilTemperature:     "soil_temp",
	SoilMoisture:        "soil_humidity",
	LightIntensity:      "light_intensity",
}

// Attributes vrací všech šest atributů v pevném pořadí (stejném jako sloupce v tabulce).
func Attributes() []Attribute {
	return []Attribute{
		AirTemperature,
		AirHumidity,
		OxygenConcentration,
		SoilTemperature,
		SoilMoisture,
		LightIntensity,
	}
}

// attributeLabels: popisky, které posílá původní obslužný panel. Jen jiná jména
// pro stejných šest atributů, množina se tím nerozšiřuje.
var attributeLabels = map[string]Attribute{
	"空气温度":   AirTemperature,
	"空气相对湿度": AirHumidity,
	"氧气浓度":   OxygenConcentration,
	"土壤温度":   SoilTemperature,
	"土壤含水量":  SoilMoisture,
	"光照强度":   LightIntensity,
}

// ParseAttribute ověří, že name patří do uzavřené množiny (název nebo popisek panelu).
// Žádné částečné shody ani fallback.
func ParseAttribute(name string) (Attribute, error) {
	a := Attribute(name)
	if alias, ok := attributeLabels[name]; ok {
		a = alias
	}
	if _, ok := attributeColumns[a]; !ok {
		return "", fmt.Errorf("neplatný atribut: %q", name)
	}
	return a, nil
}

// Column vrací identifikátor sloupce pro atribut.
func (a Attribute) Column() (string, bool) {
	col, ok := attributeColumns[a]
	return col, ok
}
