package chainsum

import "testing"

func TestAppendChangesAccumulator(t *testing.T) {
	c := New("access-rules")
	_, before := c.Current()
	sum1, seq1 := c.Append([]byte("record-1"))
	if seq1 != 1 {
		t.Fatalf("seqNo = %d, want 1", seq1)
	}
	if sum1 == before {
		t.Fatal("accumulator unchanged after append")
	}
}

func TestVerifyAcceptsMatchingReplay(t *testing.T) {
	c := New("columns")
	records := [][]byte{[]byte("col-a"), []byte("col-b"), []byte("col-c")}
	for _, r := range records {
		c.Append(r)
	}
	cp := c.Checkpoint()

	if err := Verify("columns", records, cp); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsReorderedRecords(t *testing.T) {
	c := New("columns")
	records := [][]byte{[]byte("col-a"), []byte("col-b")}
	for _, r := range records {
		c.Append(r)
	}
	cp := c.Checkpoint()

	reordered := [][]byte{[]byte("col-b"), []byte("col-a")}
	if err := Verify("columns", reordered, cp); err == nil {
		t.Fatal("verify accepted reordered records")
	}
}

func TestVerifyRejectsTamperedRecord(t *testing.T) {
	c := New("rules")
	records := [][]byte{[]byte("rule-1"), []byte("rule-2")}
	for _, r := range records {
		c.Append(r)
	}
	cp := c.Checkpoint()

	tampered := [][]byte{[]byte("rule-1"), []byte("rule-2-tampered")}
	if err := Verify("rules", tampered, cp); err == nil {
		t.Fatal("verify accepted tampered record")
	}
}

func TestVerifyRejectsWrongChainName(t *testing.T) {
	c := New("rules")
	records := [][]byte{[]byte("rule-1")}
	c.Append(records[0])
	cp := c.Checkpoint()

	if err := Verify("other-chain", records, cp); err == nil {
		t.Fatal("verify accepted mismatched chain name")
	}
}

func TestCheckpointsAccumulate(t *testing.T) {
	c := New("groups")
	c.Append([]byte("g1"))
	c.Checkpoint()
	c.Append([]byte("g2"))
	c.Checkpoint()

	cps := c.Checkpoints()
	if len(cps) != 2 {
		t.Fatalf("len(checkpoints) = %d, want 2", len(cps))
	}
	if cps[0].SeqNo != 1 || cps[1].SeqNo != 2 {
		t.Fatalf("unexpected seqNos: %+v", cps)
	}
}
