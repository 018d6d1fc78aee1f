package pair

// ProjectSlots derives the per-round slot view from a pair and its
// statements. It is a pure function of its inputs: it never mutates the pair
// or statement records and recomputes from scratch on every call.
//
// A slot is completed when its statement has approved text; on a completed
// pair every unset slot is forced to locked. Otherwise the single slot at
// (current round, current turn) is active and everything else is locked.
func ProjectSlots(p Pair, statements []Statement) [RoundMax]RoundSlots {
	byRound := make(map[int]map[Role]Statement, RoundMax)
	for _, st := range statements {
		if st.PairID != p.ID {
			continue
		}
		if byRound[st.RoundNumber] == nil {
			byRound[st.RoundNumber] = make(map[Role]Statement, 2)
		}
		byRound[st.RoundNumber][st.AuthorRole] = st
	}

	var slots [RoundMax]RoundSlots
	for i := range slots {
		round := i + 1
		slots[i] = RoundSlots{
			Round: round,
			A:     projectSlot(p, byRound[round], round, RoleA),
			B:     projectSlot(p, byRound[round], round, RoleB),
		}
	}
	return slots
}

func projectSlot(p Pair, roundStatements map[Role]Statement, round int, role Role) Slot {
	st, ok := roundStatements[role]
	approved := ok && st.ApprovedText != nil

	if approved {
		return Slot{State: SlotCompleted, Text: st.ApprovedText}
	}
	if p.Status == StatusCompleted {
		return Slot{State: SlotLocked}
	}
	if p.CurrentRound == round && p.CurrentTurn == role {
		return Slot{State: SlotActive}
	}
	return Slot{State: SlotLocked}
}

// Progress counts approved statements for a pair, 0 through 2*RoundMax.
func Progress(statements []Statement) int {
	n := 0
	for _, st := range statements {
		if st.ApprovedText != nil {
			n++
		}
	}
	return n
}
