package market

// Commodity identifies the underlying asset class of a perpetual market.
type Commodity int32

const (
	// Precious metals
	CommodityGold Commodity = iota
	CommoditySilver
	CommodityPlatinum
	CommodityPalladium
	CommodityRhodium
	CommodityIridium
	CommodityRuthenium
	CommodityOsmium
	CommodityRhenium
	CommodityIndium

	// Energy
	CommodityCrudeOilWTI
	CommodityBrentCrude
	CommodityNaturalGas
	CommodityGasoline
	CommodityHeatingOil
	CommodityCoal
	CommodityUranium
	CommodityEthanol
	CommodityPropane
	CommodityElectricity

	// Agriculture
	CommodityCorn
	CommodityWheat
	CommoditySoybeans
	CommoditySugar
	CommodityCoffee
	CommodityCocoa
	CommodityCotton
	CommodityRice
	CommodityCattle
	CommodityLeanHogs

	// Industrial metals
	CommodityCopper
	CommodityAluminum
	CommodityZinc
	CommodityNickel
	CommodityLead
	CommodityTin
	CommodityIronOre
	CommoditySteel
	CommodityLithium
	CommodityCobalt
)

var commodityNames = [...]string{
	"Gold", "Silver", "Platinum", "Palladium", "Rhodium",
	"Iridium", "Ruthenium", "Osmium", "Rhenium", "Indium",
	"CrudeOilWTI", "BrentCrude", "NaturalGas", "Gasoline", "HeatingOil",
	"Coal", "Uranium", "Ethanol", "Propane", "Electricity",
	"Corn", "Wheat", "Soybeans", "Sugar", "Coffee",
	"Cocoa", "Cotton", "Rice", "Cattle", "LeanHogs",
	"Copper", "Aluminum", "Zinc", "Nickel", "Lead",
	"Tin", "IronOre", "Steel", "Lithium", "Cobalt",
}

func (c Commodity) String() string {
	if c < 0 || int(c) >= len(commodityNames) {
		return "Unknown"
	}
	return commodityNames[c]
}
