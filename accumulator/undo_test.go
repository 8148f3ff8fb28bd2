package accumulator

import (
	"bytes"
	"testing"
)

func TestUndoRestoresRoots(t *testing.T) {
	leaves := testLeaves(12, true)
	var p Pollard
	if err := p.Modify(leaves[:8], nil); err != nil {
		t.Fatal(err)
	}
	wantLeaves := p.NumLeaves()
	wantRoots := p.Roots()

	dels := []uint64{1, 6}
	delHashes := []Hash{leaves[1].Hash, leaves[6].Hash}
	ub, err := p.ModifyAndReturnUndo(leaves[8:], dels, delHashes)
	if err != nil {
		t.Fatal(err)
	}
	if ub.NumAdds != 4 {
		t.Fatalf("undo numAdds %d, want 4", ub.NumAdds)
	}
	if p.NumLeaves() == wantLeaves {
		t.Fatal("modify didn't change the forest")
	}

	if err := p.Undo(ub); err != nil {
		t.Fatal(err)
	}
	if p.NumLeaves() != wantLeaves {
		t.Fatalf("numLeaves %d after undo, want %d", p.NumLeaves(), wantLeaves)
	}
	roots := p.Roots()
	if len(roots) != len(wantRoots) {
		t.Fatalf("%d roots after undo, want %d", len(roots), len(wantRoots))
	}
	for i := range roots {
		if roots[i] != wantRoots[i] {
			t.Fatalf("root %d: %x, want %x", i, roots[i][:4], wantRoots[i][:4])
		}
	}
}

func TestUndoBlockSerializeRoundTrip(t *testing.T) {
	leaves := testLeaves(10, true)
	var p Pollard
	if err := p.Modify(leaves[:6], nil); err != nil {
		t.Fatal(err)
	}
	ub, err := p.ModifyAndReturnUndo(leaves[6:],
		[]uint64{0, 3}, []Hash{leaves[0].Hash, leaves[3].Hash})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := ub.Serialize(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != ub.SerializeSize() {
		t.Fatalf("wrote %d bytes, SerializeSize says %d",
			buf.Len(), ub.SerializeSize())
	}

	var back UndoBlock
	if err := back.Deserialize(&buf); err != nil {
		t.Fatal(err)
	}
	if back.NumAdds != ub.NumAdds ||
		back.PrevNumLeaves != ub.PrevNumLeaves ||
		len(back.Positions) != len(ub.Positions) ||
		len(back.Hashes) != len(ub.Hashes) ||
		len(back.PrevRoots) != len(ub.PrevRoots) {
		t.Fatal("undo block changed in round trip")
	}
	for i := range ub.PrevRoots {
		if back.PrevRoots[i] != ub.PrevRoots[i] {
			t.Fatalf("prev root %d changed", i)
		}
	}
}

func TestUndoNil(t *testing.T) {
	var p Pollard
	if err := p.Undo(nil); err != ErrUndoExhausted {
		t.Fatalf("got %v, want ErrUndoExhausted", err)
	}
}
