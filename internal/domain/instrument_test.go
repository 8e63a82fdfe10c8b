package domain

import (
	"reflect"
	"testing"
)

func TestMergeInstruments(t *testing.T) {
	seeds := []Instrument{
		{Name: "btc", Category: CategoryCrypto},
		{Name: "BTC", Category: CategoryCrypto},
		{Name: "THYAO", Category: CategoryBIST},
	}
	stored := []Instrument{
		{Name: "ZED", Category: CategoryOther, IsCustom: true},
		{Name: "THYAO", Category: CategoryBIST, Paused: true},
		{Name: "ABC", Category: CategoryOther, IsCustom: true},
		{Name: "GONE", Removed: true},
	}
	got := MergeInstruments(seeds, stored)
	var names []string
	for _, i := range got {
		names = append(names, i.Name)
	}
	if !reflect.DeepEqual(names, []string{"BTC", "THYAO", "ABC", "ZED"}) {
		t.Fatalf("names = %v", names)
	}
	if !got[1].Paused {
		t.Error("stored row did not override seed")
	}
}
