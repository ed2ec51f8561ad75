package vm

// LabelID identifies a label: data tables, branch targets, function entries
// and event callback entries are all labels (§3 "Label").
type LabelID uint32

// LabelInfo is what the label table stores per id.
type LabelInfo struct {
	Index int // instruction index the label resolves to, -1 if not yet placed
	Name  string
}

// Program is the ordered instruction stream plus its label table (§3
// "Program"). The try/catch stack lives per-thread (see thread.go) since
// independent threads executing the same Program must not share catch
// state.
type Program struct {
	Instructions []Instruction
	labels       map[LabelID]*LabelInfo
	nextLabel    LabelID
}

// NewProgram returns an empty program ready for Emit/NewLabel calls.
func NewProgram() *Program {
	return &Program{labels: make(map[LabelID]*LabelInfo)}
}

// Emit appends one instruction and returns its index.
func (p *Program) Emit(instr Instruction) int {
	p.Instructions = append(p.Instructions, instr)
	return len(p.Instructions) - 1
}

// NewLabel allocates a fresh, unplaced label id.
func (p *Program) NewLabel(name string) LabelID {
	id := p.nextLabel
	p.nextLabel++
	p.labels[id] = &LabelInfo{Index: -1, Name: name}
	return id
}

// PlaceLabel binds a previously allocated label to the next instruction
// that will be emitted (this also emits an OpLabel no-op so the index
// tracking stays simple for text-disassembly, matching the teacher's use of
// an explicit nop for label lines in vm/compile.go preprocessLine).
func (p *Program) PlaceLabel(id LabelID) {
	info, ok := p.labels[id]
	if !ok {
		info = &LabelInfo{Name: "?"}
		p.labels[id] = info
	}
	info.Index = p.Emit(Instruction{Op: OpLabel, Label: id, HasLabel: true, Name: info.Name})
}

// Resolve returns the instruction index a label is bound to.
func (p *Program) Resolve(id LabelID) (int, error) {
	info, ok := p.labels[id]
	if !ok || info.Index < 0 {
		return 0, newErr(ErrCodeSegmentation, "resolve-label", causeUnknownLabel)
	}
	return info.Index, nil
}

func (p *Program) LabelName(id LabelID) string {
	if info, ok := p.labels[id]; ok {
		return info.Name
	}
	return "?"
}

// Append merges a compiled fragment onto the end of this program, shifting
// every label id and every label-valued instruction operand in the fragment
// so it remains internally consistent. Returns the instruction-index offset
// the fragment was placed at.
//
// This is the "merging compiled fragments" responsibility named in §2's
// component table for program assembly - needed because the (external)
// code generator builds functions/closures as independent fragments before
// they are linked into one executable program.
func (p *Program) Append(frag *Program) int {
	base := len(p.Instructions)
	labelShift := p.nextLabel

	for id, info := range frag.labels {
		newID := id + labelShift
		newIndex := info.Index
		if newIndex >= 0 {
			newIndex += base
		}
		p.labels[newID] = &LabelInfo{Index: newIndex, Name: info.Name}
	}
	if frag.nextLabel > 0 {
		p.nextLabel += frag.nextLabel
	}

	for _, instr := range frag.Instructions {
		if instr.HasLabel {
			instr.Label += labelShift
		}
		p.Instructions = append(p.Instructions, instr)
	}

	return base
}

func (p *Program) Len() int { return len(p.Instructions) }
