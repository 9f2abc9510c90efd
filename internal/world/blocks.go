package world

// Block ids follow the classic voxel palette so map clients can reuse
// existing colour tables.
const (
	Air       uint16 = 0
	Stone     uint16 = 1
	Grass     uint16 = 2
	Dirt      uint16 = 3
	Bedrock   uint16 = 7
	FlowWater uint16 = 8
	Water     uint16 = 9
	Sand      uint16 = 12
	Gravel    uint16 = 13
	Log       uint16 = 17
	Leaves    uint16 = 18
	Snow      uint16 = 80
)

// Biome ids.
const (
	BiomeOcean     = 0
	BiomePlains    = 1
	BiomeDesert    = 2
	BiomeMountains = 3
	BiomeForest    = 4
	BiomeBeach     = 16
)

type blockProps struct {
	Name  string
	Solid bool
	Fluid bool
}

var palette = map[uint16]blockProps{
	Air:       {Name: "air"},
	Stone:     {Name: "stone", Solid: true},
	Grass:     {Name: "grass", Solid: true},
	Dirt:      {Name: "dirt", Solid: true},
	Bedrock:   {Name: "bedrock", Solid: true},
	FlowWater: {Name: "flowing_water", Fluid: true},
	Water:     {Name: "water", Fluid: true},
	Sand:      {Name: "sand", Solid: true},
	Gravel:    {Name: "gravel", Solid: true},
	Log:       {Name: "log", Solid: true},
	Leaves:    {Name: "leaves", Solid: true},
	Snow:      {Name: "snow", Solid: true},
}

// KnownBlock reports whether id is in the palette.
func KnownBlock(id uint16) bool {
	_, ok := palette[id]
	return ok
}

func BlockName(id uint16) string {
	if p, ok := palette[id]; ok {
		return p.Name
	}
	return "unknown"
}

func solidOrFluid(id uint16) bool {
	p := palette[id]
	return p.Solid || p.Fluid
}

func isFluid(id uint16) bool {
	return palette[id].Fluid
}
