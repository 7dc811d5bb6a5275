//go:build windows

package hotplug

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// CM_NOTIFY_* values from cfgmgr32.h, not in x/sys/windows.
const (
	cmNotifyFilterTypeDeviceInterface    = 0
	cmNotifyActionDeviceInterfaceArrival = 0
	cmNotifyActionDeviceInterfaceRemoval = 1
	crSuccess                            = 0
	cmNotifyFilterUnionSize              = 400
)

// GUID_DEVINTERFACE_USB_DEVICE
var guidDevInterfaceUSBDevice = windows.GUID{
	Data1: 0xA5DCBF10,
	Data2: 0x6530,
	Data3: 0x11D2,
	Data4: [8]byte{0x90, 0x1F, 0x00, 0xC0, 0x4F, 0xB9, 0x51, 0xED},
}

// cmNotifyFilter mirrors CM_NOTIFY_FILTER for the device interface case.
type cmNotifyFilter struct {
	cbSize     uint32
	flags      uint32
	filterType uint32
	reserved   uint32
	classGUID  windows.GUID
	_          [cmNotifyFilterUnionSize - unsafe.Sizeof(windows.GUID{})]byte
}

var (
	modcfgmgr32                  = windows.NewLazySystemDLL("cfgmgr32.dll")
	procCMRegisterNotification   = modcfgmgr32.NewProc("CM_Register_Notification")
	procCMUnregisterNotification = modcfgmgr32.NewProc("CM_Unregister_Notification")
)

// Callbacks created with windows.NewCallback are never freed, so one
// trampoline serves every registration and dispatches on the context value.
var (
	callbackOnce sync.Once
	callbackPtr  uintptr

	sinksMu  sync.Mutex
	sinks    = make(map[uintptr]*Watcher)
	nextSink uintptr
)

func notificationCallback(_, context, action, _, _ uintptr) uintptr {
	sinksMu.Lock()
	w := sinks[context]
	sinksMu.Unlock()
	if w == nil {
		return 0
	}
	switch action {
	case cmNotifyActionDeviceInterfaceArrival:
		w.notify(Event{Action: Arrival, At: time.Now()})
	case cmNotifyActionDeviceInterfaceRemoval:
		w.notify(Event{Action: Removal, At: time.Now()})
	}
	return 0
}

type cmSource struct {
	handle uintptr
	id     uintptr
}

func (w *Watcher) openSource() (source, error) {
	if err := procCMRegisterNotification.Find(); err != nil {
		return nil, fmt.Errorf("cfgmgr32: %w", err)
	}
	callbackOnce.Do(func() {
		callbackPtr = windows.NewCallback(notificationCallback)
	})

	sinksMu.Lock()
	nextSink++
	id := nextSink
	sinks[id] = w
	sinksMu.Unlock()

	filter := cmNotifyFilter{
		filterType: cmNotifyFilterTypeDeviceInterface,
		classGUID:  guidDevInterfaceUSBDevice,
	}
	filter.cbSize = uint32(unsafe.Sizeof(filter))

	var handle uintptr
	ret, _, _ := procCMRegisterNotification.Call(
		uintptr(unsafe.Pointer(&filter)),
		id,
		callbackPtr,
		uintptr(unsafe.Pointer(&handle)),
	)
	if ret != crSuccess {
		removeSink(id)
		return nil, fmt.Errorf("CM_Register_Notification: CONFIGRET 0x%x", ret)
	}
	return &cmSource{handle: handle, id: id}, nil
}

func (s *cmSource) Close() error {
	// CM_Unregister_Notification waits for callbacks in flight to return.
	ret, _, _ := procCMUnregisterNotification.Call(s.handle)
	removeSink(s.id)
	if ret != crSuccess {
		return fmt.Errorf("CM_Unregister_Notification: CONFIGRET 0x%x", ret)
	}
	return nil
}

func removeSink(id uintptr) {
	sinksMu.Lock()
	delete(sinks, id)
	sinksMu.Unlock()
}
