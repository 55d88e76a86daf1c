package conversation

// Field identifies one collectible customer attribute.
type Field string

const (
	FieldName    Field = "name"
	FieldPhone   Field = "phone"
	FieldAddress Field = "address"
	FieldService Field = "service"
	FieldTime    Field = "time"
)

// Fields lists every collectible field in collection order.
var Fields = []Field{FieldName, FieldPhone, FieldAddress, FieldService, FieldTime}

// Step is a position in the collection sequence.
type Step string

const (
	StepCollectName    Step = "collect_name"
	StepCollectPhone   Step = "collect_phone"
	StepCollectAddress Step = "collect_address"
	StepCollectService Step = "collect_service"
	StepCollectTime    Step = "collect_time"
	StepCompleted      Step = "completed"
)

var stepOrder = map[Step]int{
	StepCollectName:    0,
	StepCollectPhone:   1,
	StepCollectAddress: 2,
	StepCollectService: 3,
	StepCollectTime:    4,
	StepCompleted:      5,
}

// Index returns the position of s in the sequence, or -1 for an unknown step.
func (s Step) Index() int {
	i, ok := stepOrder[s]
	if !ok {
		return -1
	}
	return i
}

// Valid reports whether s is a member of the step enumeration.
func (s Step) Valid() bool {
	return s.Index() >= 0
}

// Before reports whether s comes strictly earlier than other.
func (s Step) Before(other Step) bool {
	return s.Index() < other.Index()
}

// Terminal reports whether s is the completed step.
func (s Step) Terminal() bool {
	return s == StepCompleted
}
