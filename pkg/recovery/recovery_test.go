package recovery

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovenctl/pkg/flashpart"
	"ovenctl/pkg/integrity"
	"ovenctl/pkg/log"
	"ovenctl/pkg/nvstore"
	"ovenctl/pkg/oerr"
	"ovenctl/pkg/sdcard"
)

func quietLogger(prefix string) *log.Logger {
	l := log.New(prefix)
	l.SetLevel(log.ERROR + 1)
	return l
}

type rig struct {
	rec     *Recoverer
	card    *sdcard.Card
	flash   *flashpart.Flash
	checker *integrity.Checker
	cardDir string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()
	cardDir := filepath.Join(dir, "sd")
	require.NoError(t, os.MkdirAll(cardDir, 0o755))

	fl, err := flashpart.Open(filepath.Join(dir, "flash.img"), []flashpart.Partition{
		{Label: "app0", Base: 0, Size: integrity.FirmwareMinSize},
	}, "app0")
	require.NoError(t, err)

	store, err := nvstore.Open(filepath.Join(dir, "nvs.bin"))
	require.NoError(t, err)
	checker, err := integrity.NewChecker(fl, store, quietLogger("integrity"))
	require.NoError(t, err)

	card := sdcard.New(cardDir)
	return &rig{
		rec:     New(card, fl, checker, quietLogger("recovery")),
		card:    card,
		flash:   fl,
		checker: checker,
		cardDir: cardDir,
	}
}

func firmwareImage(fill byte) []byte {
	img := bytes.Repeat([]byte{fill}, integrity.FirmwareMinSize)
	return img
}

func (r *rig) placeImage(t *testing.T, name string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(r.cardDir, name), content, 0o644))
	sum := sha256.Sum256(content)
	sidecar := hex.EncodeToString(sum[:]) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(r.cardDir, name+SidecarSuffix), []byte(sidecar), 0o644))
}

func TestRecoveryFromBaseImage(t *testing.T) {
	r := newRig(t)
	r.placeImage(t, BaseImage, firmwareImage(0xA5))

	require.NoError(t, r.rec.PerformFullRecovery())
	assert.Equal(t, StateSuccess, r.rec.State())

	info, err := r.checker.Verify()
	require.NoError(t, err)
	assert.True(t, info.HashMatch)
	assert.False(t, info.FirstBoot)

	// The base image survives cleanup.
	assert.True(t, r.card.Exists(BaseImage))
	assert.True(t, r.card.Exists(BaseImage+SidecarSuffix))
	assert.True(t, r.card.Exists(LogFile))
}

func TestUpdateImageTakesPriorityAndIsConsumed(t *testing.T) {
	r := newRig(t)
	update := firmwareImage(0x11)
	r.placeImage(t, UpdateImage, update)
	r.placeImage(t, BaseImage, firmwareImage(0x22))

	require.NoError(t, r.rec.PerformFullRecovery())

	// The flashed partition holds the update image.
	part := r.flash.Running()
	buf := make([]byte, 64)
	require.NoError(t, r.flash.Read(part, 0, buf))
	assert.Equal(t, update[:64], buf)

	assert.False(t, r.card.Exists(UpdateImage))
	assert.False(t, r.card.Exists(UpdateImage+SidecarSuffix))
	assert.True(t, r.card.Exists(BaseImage))
}

func TestRecoveryFailsWithoutCard(t *testing.T) {
	r := newRig(t)
	require.NoError(t, os.RemoveAll(r.cardDir))

	err := r.rec.PerformFullRecovery()
	assert.True(t, oerr.Is(err, oerr.NotFound))
	assert.Equal(t, StateFailed, r.rec.State())
}

func TestRecoveryFailsWithoutFirmware(t *testing.T) {
	r := newRig(t)

	err := r.rec.PerformFullRecovery()
	assert.True(t, oerr.Is(err, oerr.NotFound))
	assert.Equal(t, StateFailed, r.rec.State())
}

func TestImageMissingSidecarIsSkipped(t *testing.T) {
	r := newRig(t)
	// update.bin without a sidecar must not be selected; the complete
	// base pair wins.
	require.NoError(t, os.WriteFile(filepath.Join(r.cardDir, UpdateImage), firmwareImage(0x33), 0o644))
	r.placeImage(t, BaseImage, firmwareImage(0x44))

	require.NoError(t, r.card.Mount())
	img, err := r.rec.FindFirmware()
	require.NoError(t, err)
	assert.Equal(t, BaseImage, img.Path)
	assert.False(t, img.IsUpdate)
}

func TestCorruptImageLeavesFlashUntouched(t *testing.T) {
	r := newRig(t)
	img := firmwareImage(0x55)
	r.placeImage(t, BaseImage, img)
	// Corrupt the image after the sidecar was computed.
	img[0] ^= 0xFF
	require.NoError(t, os.WriteFile(filepath.Join(r.cardDir, BaseImage), img, 0o644))

	part := r.flash.Running()
	before := make([]byte, 64)
	require.NoError(t, r.flash.Read(part, 0, before))

	err := r.rec.PerformFullRecovery()
	assert.True(t, oerr.Is(err, oerr.IntegrityMismatch))
	assert.Equal(t, StateFailed, r.rec.State())

	after := make([]byte, 64)
	require.NoError(t, r.flash.Read(part, 0, after))
	assert.Equal(t, before, after)
}

func TestSidecarLengthRejected(t *testing.T) {
	for _, n := range []int{63, 65} {
		r := newRig(t)
		img := firmwareImage(0x66)
		require.NoError(t, os.WriteFile(filepath.Join(r.cardDir, BaseImage), img, 0o644))
		bad := bytes.Repeat([]byte{'a'}, n)
		require.NoError(t, os.WriteFile(filepath.Join(r.cardDir, BaseImage+SidecarSuffix), bad, 0o644))

		err := r.rec.PerformFullRecovery()
		assert.True(t, oerr.Is(err, oerr.SizeMismatch), "sidecar of %d chars: %v", n, err)
	}
}

func TestUndersizedImageRejected(t *testing.T) {
	r := newRig(t)
	r.placeImage(t, BaseImage, bytes.Repeat([]byte{0x77}, 4096))

	err := r.rec.PerformFullRecovery()
	assert.True(t, oerr.Is(err, oerr.SizeMismatch))
	assert.Equal(t, StateFailed, r.rec.State())
}
