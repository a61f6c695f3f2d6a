package slotreg

import "testing"

func TestLookupKnownSlots(t *testing.T) {
	for _, id := range []SlotID{
		SlotFactoryUID, SlotFactoryCert, SlotFactoryKey,
		SlotDeviceCert, SlotDeviceKey, SlotTrustAnchor,
		SlotProtectedSecret, SlotUserDataSmall, SlotUserDataLarge,
		SlotRenewCounter, SlotReservedPUW,
	} {
		if _, err := Lookup(id); err != nil {
			t.Fatalf("Lookup(%d): unexpected error: %v", id, err)
		}
	}
}

func TestLookupUnknownSlot(t *testing.T) {
	_, err := Lookup(SlotID(200))
	if err == nil {
		t.Fatal("expected error for unknown slot")
	}
}

func TestKeySlotsNeverReadable(t *testing.T) {
	for _, id := range []SlotID{SlotFactoryKey, SlotDeviceKey} {
		e := MustLookup(id)
		if e.Readable {
			t.Fatalf("slot %d: private key slot must never be readable", id)
		}
	}
}

func TestFactorySlotsNeverWritable(t *testing.T) {
	for _, id := range []SlotID{SlotFactoryCert, SlotFactoryKey, SlotFactoryUID} {
		e := MustLookup(id)
		if e.Writable {
			t.Fatalf("slot %d: factory slot must never be writable", id)
		}
	}
}

func TestPairedKeySlot(t *testing.T) {
	key, ok := PairedKeySlot(SlotDeviceCert)
	if !ok || key != SlotDeviceKey {
		t.Fatalf("expected DeviceCert paired with DeviceKey, got %v ok=%v", key, ok)
	}
	if _, ok := PairedKeySlot(SlotUserDataSmall); ok {
		t.Fatal("UserData slot should not report a paired key")
	}
}

func TestCategoryString(t *testing.T) {
	if CategoryDeviceCert.String() != "DeviceCert" {
		t.Fatalf("unexpected category string: %s", CategoryDeviceCert.String())
	}
}

func TestReservedSlotNotWritable(t *testing.T) {
	e := MustLookup(SlotReservedPUW)
	if e.Writable || e.Readable {
		t.Fatal("reserved slot must reject both reads and writes")
	}
}
