package selection

type State int

const (
	Empty State = iota
	ProductChosen
	QuantityChosen
	AssetChosen
)

// Completed is the state in which an order can be placed.
const Completed = AssetChosen

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case ProductChosen:
		return "product_chosen"
	case QuantityChosen:
		return "quantity_chosen"
	case AssetChosen:
		return "asset_chosen"
	default:
		return "unknown"
	}
}

// Choice is the decoded selection. A stage counts as chosen only when every
// earlier stage is chosen too.
type Choice struct {
	ProductID   int64
	Quantity    int
	AssetCode   int
	HasProduct  bool
	HasQuantity bool
	HasAsset    bool
}

func (c Choice) State() State {
	switch {
	case !c.HasProduct:
		return Empty
	case !c.HasQuantity:
		return ProductChosen
	case !c.HasAsset:
		return QuantityChosen
	default:
		return AssetChosen
	}
}

func (c Choice) Complete() bool { return c.State() == Completed }
