package partition

import (
	"errors"
	"testing"

	"github.com/videopose/posekeys/internal/model"
)

func TestPartitionCoverage(t *testing.T) {
	for n := 0; n <= 23; n++ {
		for count := 1; count <= 9; count++ {
			items := make([]int, n)
			for i := range items {
				items[i] = i
			}

			seen := make(map[int]bool, n)
			next := 0
			larger := 0
			for index := 0; index < count; index++ {
				shard, err := Partition(items, count, index)
				if err != nil {
					t.Fatalf("n=%d count=%d index=%d: %v", n, count, index, err)
				}

				size := len(shard)
				if size != n/count && size != n/count+1 {
					t.Fatalf("n=%d count=%d index=%d: size %d", n, count, index, size)
				}
				if size == n/count+1 {
					larger++
					if index >= n%count {
						t.Fatalf("n=%d count=%d: larger shard %d is not among the earliest", n, count, index)
					}
				}

				for _, v := range shard {
					if seen[v] {
						t.Fatalf("n=%d count=%d: item %d in two shards", n, count, v)
					}
					if v != next {
						t.Fatalf("n=%d count=%d: shards not contiguous, got %d want %d", n, count, v, next)
					}
					seen[v] = true
					next++
				}
			}

			if len(seen) != n {
				t.Fatalf("n=%d count=%d: covered %d items", n, count, len(seen))
			}
			if n%count != 0 && larger != n%count {
				t.Fatalf("n=%d count=%d: %d larger shards, want %d", n, count, larger, n%count)
			}
		}
	}
}

func TestPartitionMatchesSplit(t *testing.T) {
	items := []string{"a.mp4", "b.mp4", "c.mp4", "d.mp4", "e.mp4", "f.mp4", "g.mp4"}
	shards, err := Split(items, 3)
	if err != nil {
		t.Fatal(err)
	}

	want := [][]string{{"a.mp4", "b.mp4", "c.mp4"}, {"d.mp4", "e.mp4"}, {"f.mp4", "g.mp4"}}
	for i := range want {
		got, err := Partition(items, 3, i)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(want[i]) || len(shards[i]) != len(want[i]) {
			t.Fatalf("shard %d: got %v / %v, want %v", i, got, shards[i], want[i])
		}
		for j := range want[i] {
			if got[j] != want[i][j] || shards[i][j] != want[i][j] {
				t.Fatalf("shard %d: got %v, want %v", i, got, want[i])
			}
		}
	}
}

func TestPartitionMoreShardsThanItems(t *testing.T) {
	items := []int{1, 2}
	for index := 0; index < 5; index++ {
		shard, err := Partition(items, 5, index)
		if err != nil {
			t.Fatalf("index %d: %v", index, err)
		}
		want := 0
		if index < 2 {
			want = 1
		}
		if len(shard) != want {
			t.Errorf("index %d: got %d items, want %d", index, len(shard), want)
		}
	}
}

func TestPartitionInvalidArguments(t *testing.T) {
	tests := []struct {
		name         string
		count, index int
	}{
		{"zero count", 0, 0},
		{"negative index", 4, -1},
		{"index equals count", 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Partition([]int{1, 2, 3}, tt.count, tt.index)
			if !errors.Is(err, model.ErrInvalidShard) {
				t.Fatalf("expected ErrInvalidShard, got %v", err)
			}
		})
	}
}
